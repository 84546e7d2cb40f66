package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotRunning means nothing answered at the configured base URL.
var ErrNotRunning = errors.New("ollama is not running (start it with: ollama serve)")

// EnsureEmbedModel verifies Ollama is up and pulls model if it is missing.
// Pull progress is logged each time a layer advances by at least 25%.
func EnsureEmbedModel(ctx context.Context, c *Client, model string, logger *slog.Logger) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}
	ok, err := c.HasModel(ctx, model)
	if err != nil {
		return fmt.Errorf("checking model %s: %w", model, err)
	}
	if ok {
		logger.Debug("embedding model ready", "model", model)
		return nil
	}

	logger.Info("pulling embedding model", "model", model)
	var (
		lastStatus  string
		lastPercent = -1
	)
	err = c.PullModel(ctx, model, func(p PullProgress) {
		pct := p.Percent()
		if p.Status == lastStatus && (pct < 0 || pct-lastPercent < 25) {
			return
		}
		lastStatus, lastPercent = p.Status, pct
		logger.Info("pull progress", "model", model, "status", p.Status, "percent", pct)
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	logger.Info("embedding model ready", "model", model)
	return nil
}
