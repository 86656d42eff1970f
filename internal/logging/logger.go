// Package logging builds the service logger and keeps secrets out of it.
package logging

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Redacted replaces every registered secret in log output
const Redacted = "***SECRET_REDACTED***"

// New creates a logrus logger writing to out with the given level and
// format ("text" or "json")
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return logger, nil
}

// NewNullLogger returns a logger that discards everything
func NewNullLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// RedactHook is a logrus hook that scrubs registered secrets from entries
type RedactHook struct {
	mu       sync.RWMutex
	replacer *strings.Replacer
	secrets  []string
}

// NewRedactHook creates an empty hook
func NewRedactHook() *RedactHook {
	return &RedactHook{}
}

// Add registers a secret. Empty values are ignored so they never cause
// every character to be redacted.
func (h *RedactHook) Add(secret string) {
	if h == nil || secret == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.secrets {
		if s == secret {
			return
		}
	}
	h.secrets = append(h.secrets, secret)

	pairs := make([]string, 0, len(h.secrets)*2)
	for _, s := range h.secrets {
		pairs = append(pairs, s, Redacted)
	}
	h.replacer = strings.NewReplacer(pairs...)
}

// Scrub replaces registered secrets in s
func (h *RedactHook) Scrub(s string) string {
	if h == nil {
		return s
	}
	h.mu.RLock()
	r := h.replacer
	h.mu.RUnlock()
	if r == nil {
		return s
	}
	return r.Replace(s)
}

// Levels implements logrus.Hook
func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook
func (h *RedactHook) Fire(entry *logrus.Entry) error {
	entry.Message = h.Scrub(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = h.Scrub(val)
		case error:
			entry.Data[k] = h.Scrub(val.Error())
		}
	}
	return nil
}
