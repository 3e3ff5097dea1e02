// Package errlog captures detailed failure context to per-incident files for
// operator diagnosis. Nothing written here is ever returned to a caller.
package errlog

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

type Log struct {
	dir string
	seq atomic.Uint64
}

func New(dir string) *Log {
	return &Log{dir: dir}
}

// Dir returns the capture directory.
func (l *Log) Dir() string {
	return l.dir
}

// Init creates the capture directory.
func (l *Log) Init() error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("creating error dir: %w", err)
	}
	return nil
}

// Capture writes one timestamped file describing a failed request. body may
// be nil when the request body was not read. Capture failures are logged and
// swallowed; diagnosis must never break the response path.
func (l *Log) Capture(failure error, r *http.Request, body []byte) {
	now := time.Now()
	name := fmt.Sprintf("%s-%06d.log", now.Format("2006-01-02-15-04-05"), l.seq.Add(1))

	var b strings.Builder
	fmt.Fprintf(&b, "Error: %v\n", failure)
	fmt.Fprintf(&b, "Method: %s\n", r.Method)
	fmt.Fprintf(&b, "Path: %s\n", r.URL.Path)
	fmt.Fprintf(&b, "Query string: %s\n", r.URL.RawQuery)
	b.WriteString("Headers:\n")
	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s: %s\n", k, strings.Join(r.Header[k], ", "))
	}
	fmt.Fprintf(&b, "Body:\n%s\n", body)

	if err := os.WriteFile(filepath.Join(l.dir, name), []byte(b.String()), 0o644); err != nil {
		slog.Error("writing error capture", "error", err, "file", name)
	}
}
