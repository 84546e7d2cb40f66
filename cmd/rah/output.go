package main

import (
	"fmt"
	"io"
	"os"
)

// ANSI SGR sequences.
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// diag receives status and diagnostics so stdout stays clean for data.
var diag io.Writer = os.Stderr

// colorize wraps text in color unless --no-color or NO_COLOR is set.
func colorize(color, text string) string {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return text
	}
	return color + text + colorReset
}

func notice(color, mark, format string, args ...any) {
	fmt.Fprintln(diag, colorize(color, mark+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { notice(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { notice(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { notice(colorYellow, "!", format, args...) }

// printStatus writes one "label: value" line of `rah status`.
func printStatus(label, format string, args ...any) {
	fmt.Fprintf(diag, "  %-12s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
