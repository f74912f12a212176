// Package sentinel is the engine's failsafe alert path: it sends an
// out-of-band message through a Backend when a pulse exhausts its
// retries, rate-limited by a per-key cooldown recorded as a touch file
// on disk.
package sentinel

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const defaultCooldownSeconds = 1800

var cooldownKeySanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Service wraps a Backend with cooldown bookkeeping.
type Service struct {
	backend  Backend
	stateDir string
	logger   *slog.Logger
}

// New builds a Service. backend may be nil, in which case Alert always
// returns false without attempting delivery.
func New(backend Backend, stateDir string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, stateDir: stateDir, logger: logger}
}

// Alert sends message through the configured backend unless a prior
// alert under the same cooldownKey is still within its cooldown window.
// cooldownSeconds of 0 uses the default of 1800 (30 minutes). A
// cooldownKey of "" sends unconditionally on every call. It returns
// whether the message was actually sent.
func (s *Service) Alert(message string, cooldownKey string, cooldownSeconds int) bool {
	if s.backend == nil {
		return false
	}
	if cooldownSeconds <= 0 {
		cooldownSeconds = defaultCooldownSeconds
	}

	if cooldownKey != "" && !s.cooldownExpired(cooldownKey, cooldownSeconds) {
		return false
	}

	if !s.backend.Send(message) {
		return false
	}

	if cooldownKey != "" {
		s.touchCooldown(cooldownKey)
	}
	return true
}

func (s *Service) cooldownPath(key string) string {
	safe := cooldownKeySanitizer.ReplaceAllString(key, "_")
	return filepath.Join(s.stateDir, ".cooldown_"+safe)
}

// cooldownExpired reports true (allow the alert) both when no cooldown
// file exists and when the file's mtime is old enough. A read error is
// treated as expired: an alert that might be a duplicate is better than
// one that silently never fires because of a filesystem hiccup.
func (s *Service) cooldownExpired(key string, cooldownSeconds int) bool {
	path := s.cooldownPath(key)
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	age := time.Since(info.ModTime())
	return age >= time.Duration(cooldownSeconds)*time.Second
}

func (s *Service) touchCooldown(key string) {
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		s.logger.Warn("sentinel: failed to create state dir", "error", err)
		return
	}
	path := s.cooldownPath(key)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		f, createErr := os.Create(path)
		if createErr != nil {
			s.logger.Warn("sentinel: failed to touch cooldown file", "key", key, "error", createErr)
			return
		}
		f.Close()
	}
}
