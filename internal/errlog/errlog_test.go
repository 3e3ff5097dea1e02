package errlog

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCapture(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "errors")
	l := New(dir)
	if err := l.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	r := httptest.NewRequest("PUT", "/scores?debug=1", strings.NewReader("{}"))
	r.Header.Set("X-Api-Key", "k1")
	l.Capture(errors.New("record \"p1\" is missing required fields"), r, []byte(`{"posts":{}}`))

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading error dir: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d capture files, want 1", len(files))
	}

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name()))
	if err != nil {
		t.Fatalf("reading capture: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"Error: record \"p1\" is missing required fields",
		"Method: PUT",
		"Path: /scores",
		"Query string: debug=1",
		"X-Api-Key: k1",
		`{"posts":{}}`,
	} {
		if !strings.Contains(content, want) {
			t.Errorf("capture missing %q:\n%s", want, content)
		}
	}
}

func TestCaptureSeparateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "errors")
	l := New(dir)
	if err := l.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	r := httptest.NewRequest("GET", "/scores", nil)
	l.Capture(errors.New("first"), r, nil)
	l.Capture(errors.New("second"), r, nil)

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading error dir: %v", err)
	}
	if len(files) != 2 {
		t.Errorf("got %d capture files, want one per failure (2)", len(files))
	}
}
