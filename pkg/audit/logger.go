// Package audit records every score write as one human-readable line in an
// append-only log, attributed to the authenticated caller.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry describes a single written record.
type Entry struct {
	Time     time.Time
	User     string
	Table    string
	ID       int64
	UserID   int64
	UserName string
	Karma    int64
}

// Line renders the entry in the writes-log format.
func (e Entry) Line() string {
	return fmt.Sprintf("[%s][%s] upsert (%d, %d, %q, %d) into %s\n",
		e.Time.Format("2006-01-02 15:04:05"), e.User,
		e.ID, e.UserID, e.UserName, e.Karma, e.Table)
}

// Logger appends audit entries. Implementations must not interleave
// concurrent entries; one entry is one atomic append.
type Logger interface {
	Append(e Entry) error
}

// FileLogger serializes appends to a single log file.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
}

func NewFileLogger(path string) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &FileLogger{file: f}, nil
}

// Append writes one entry. The entry timestamp defaults to now.
func (l *FileLogger) Append(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.WriteString(e.Line()); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
