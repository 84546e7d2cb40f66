//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// UserDefaults domain written by `rah config set`.
const defaultsDomain = "com.rah.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rah-data"
	}
	return filepath.Join(home, "Library", "Application Support", "rah")
}

func apiKeyHint() string {
	return " or run 'rah config set-secret openai.api_key' (macOS Keychain, service " + secretService + ")"
}

// defaultsBackend shells out to the defaults(1) tool.
type defaultsBackend struct {
	domain string
}

func newPlatformBackend() ConfigBackend {
	return defaultsBackend{domain: defaultsDomain}
}

func (b defaultsBackend) run(verb, key string, args ...string) (string, error) {
	argv := append([]string{verb, b.domain, key}, args...)
	out, err := exec.Command("defaults", argv...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (b defaultsBackend) GetString(key string) (string, bool, error) {
	out, err := b.run("read", key)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out, true, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		// defaults exits 1 when the key does not exist.
		return "", false, nil
	default:
		return "", false, fmt.Errorf("defaults read %s: %w (%s)", key, err, out)
	}
}

func (b defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return n, true, nil
}

func (b defaultsBackend) write(key string, args ...string) error {
	if out, err := b.run("write", key, args...); err != nil {
		return fmt.Errorf("defaults write %s: %w (%s)", key, err, out)
	}
	return nil
}

func (b defaultsBackend) SetString(key, val string) error { return b.write(key, "-string", val) }
func (b defaultsBackend) SetInt(key string, val int) error {
	return b.write(key, "-int", strconv.Itoa(val))
}

func (b defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", key)
	return err
}
