// Package audit records fatal startup failures and lifecycle transitions
// to a JSONL file under the engine's home directory, independent of the
// structured logger (which may not exist yet when a failure occurs during
// logger initialization itself).
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/reubenjohn/reeve-bot/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu   sync.Mutex
	file *os.File
)

// Init opens (creating if necessary) <homeDir>/logs/audit.jsonl. Safe to
// call more than once; later calls are no-ops once a file is open.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close flushes and closes the audit file. Safe to call even if Init was
// never called or already returned an error.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// Record appends an event line. Reason is redacted before persistence
// since startup failures often wrap errors that embed request bodies or
// environment values.
func Record(event, reason string) {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Reason:    shared.Redact(reason),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
