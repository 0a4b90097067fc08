// Package forensic writes the out-of-band, append-only NDJSON audit trail.
// One line is recorded per envelope mutation so lineage can be checked
// independently of any in-memory state.
package forensic

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Line is a single forensic record.
type Line struct {
	EventType     string `json:"event_type"`
	ExecutionID   string `json:"execution_id"`
	TenantID      string `json:"tenant_id"`
	EmbeddingDim  int    `json:"embedding_dim"`
	CanonicalHash string `json:"canonical_hash"`
	Timestamp     string `json:"timestamp"`
}

// Logger records forensic lines. Implementations must be safe for
// concurrent use.
type Logger interface {
	Record(line Line) error
}

// writerLogger appends NDJSON to an io.Writer.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing NDJSON lines to w. Injection of the
// writer keeps tests hermetic.
func NewLogger(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{writer: w}
}

// NewFileLogger creates a Logger appending to path, creating parent
// directories as needed.
func NewFileLogger(path string) (Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("forensic: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("forensic: open log file: %w", err)
	}
	return &writerLogger{writer: f}, nil
}

func (l *writerLogger) Record(line Line) error {
	if line.Timestamp == "" {
		line.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	encoded, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = l.writer.Write(append(encoded, '\n'))
	return err
}

// Nop returns a Logger that discards every line.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Record(Line) error { return nil }
