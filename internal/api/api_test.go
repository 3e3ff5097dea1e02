package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/edkarma/internal/auth"
	"github.com/hazyhaar/edkarma/internal/db"
	"github.com/hazyhaar/edkarma/internal/errlog"
	"github.com/hazyhaar/edkarma/pkg/audit"
)

const testKey = "testkey1234567890"

// memLogger collects audit entries in memory and can simulate sink failure
// after a number of successful appends.
type memLogger struct {
	mu        sync.Mutex
	entries   []audit.Entry
	failAfter int // -1 = never fail
}

func (m *memLogger) Append(e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter >= 0 && len(m.entries) >= m.failAfter {
		return errors.New("audit sink unavailable")
	}
	m.entries = append(m.entries, e)
	return nil
}

type testEnv struct {
	api      *API
	mux      *http.ServeMux
	db       *db.DB
	audit    *memLogger
	errorDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	database, err := db.Open(filepath.Join(dir, "edkarma.db"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	auditLog := &memLogger{failAfter: -1}
	errorDir := filepath.Join(dir, "errors")
	captures := errlog.New(errorDir)
	if err := captures.Init(); err != nil {
		t.Fatalf("preparing error dir: %v", err)
	}

	keyring := auth.NewKeyring(map[string]string{testKey: "alice"})
	a := New(database, keyring, auditLog, captures)
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	return &testEnv{api: a, mux: mux, db: database, audit: auditLog, errorDir: errorDir}
}

func (env *testEnv) request(t *testing.T, method, target, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if key != "" {
		r.Header.Set(auth.HeaderName, key)
	}
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, r)
	return w
}

func (env *testEnv) captureCount(t *testing.T) int {
	t.Helper()
	files, err := os.ReadDir(env.errorDir)
	if err != nil {
		t.Fatalf("reading error dir: %v", err)
	}
	return len(files)
}

func countRows(t *testing.T, database *db.DB, table string) int {
	t.Helper()
	var n int
	if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("counting %s: %v", table, err)
	}
	return n
}

// --- Access gate ---

func TestAccessGate(t *testing.T) {
	env := newTestEnv(t)

	valid := `{"posts":{"p1":{"id":1,"userId":10,"userName":"a","karma":5}}}`

	t.Run("MissingKey", func(t *testing.T) {
		for _, req := range []struct{ method, target, body string }{
			{"GET", "/scores?posts=1", ""},
			{"PUT", "/scores", valid},
			{"GET", "/summary", ""},
		} {
			w := env.request(t, req.method, req.target, "", req.body)
			if w.Code != http.StatusForbidden {
				t.Errorf("%s %s without key: status %d, want 403", req.method, req.target, w.Code)
			}
			if w.Body.Len() != 0 {
				t.Errorf("%s %s 403 must carry no body, got %q", req.method, req.target, w.Body.String())
			}
		}
	})

	t.Run("UnknownKeyValidPayload", func(t *testing.T) {
		w := env.request(t, "PUT", "/scores", "TESTKEY1234567890", valid)
		if w.Code != http.StatusForbidden {
			t.Errorf("status %d, want 403 (lookup is case-sensitive)", w.Code)
		}
		if n := countRows(t, env.db, "posts"); n != 0 {
			t.Errorf("rejected request wrote %d rows", n)
		}
	})

	t.Run("HealthIsPublic", func(t *testing.T) {
		w := env.request(t, "GET", "/health", "", "")
		if w.Code != http.StatusOK {
			t.Errorf("health status %d, want 200", w.Code)
		}
	})
}

// --- GET /scores ---

func TestGetScores(t *testing.T) {
	env := newTestEnv(t)
	seed := `{
		"posts":   {"a": {"id":1,"userId":10,"userName":"alice","karma":5},
		            "b": {"id":2,"userId":11,"userName":"bob","karma":3}},
		"replies": {"a": {"id":1,"userId":10,"userName":"alice","karma":-2}}
	}`
	if w := env.request(t, "PUT", "/scores", testKey, seed); w.Code != http.StatusNoContent {
		t.Fatalf("seeding: status %d: %s", w.Code, w.Body.String())
	}

	decode := func(t *testing.T, w *httptest.ResponseRecorder) map[string][]db.ScoredRecord {
		t.Helper()
		var res map[string][]db.ScoredRecord
		if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
			t.Fatalf("decoding response %q: %v", w.Body.String(), err)
		}
		return res
	}

	t.Run("SubsetWithUnknownIDs", func(t *testing.T) {
		w := env.request(t, "GET", "/scores?posts=1,999", testKey, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", w.Code)
		}
		res := decode(t, w)
		if len(res["posts"]) != 1 || res["posts"][0].ID != 1 {
			t.Errorf("posts = %v, want only id 1", res["posts"])
		}
		if _, ok := res["replies"]; ok {
			t.Error("replies key must be absent when not requested")
		}
	})

	t.Run("BothTables", func(t *testing.T) {
		w := env.request(t, "GET", "/scores?posts=1,2&replies=1", testKey, "")
		res := decode(t, w)
		if len(res["posts"]) != 2 {
			t.Errorf("got %d posts, want 2", len(res["posts"]))
		}
		if len(res["replies"]) != 1 || res["replies"][0].Karma != -2 {
			t.Errorf("replies = %v, want the karma -2 record", res["replies"])
		}
	})

	t.Run("EmptyListIsNotAnError", func(t *testing.T) {
		w := env.request(t, "GET", "/scores?posts=", testKey, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", w.Code)
		}
		res := decode(t, w)
		records, ok := res["posts"]
		if !ok {
			t.Fatal("posts key must be present for a supplied empty list")
		}
		if len(records) != 0 {
			t.Errorf("posts = %v, want empty", records)
		}
	})

	t.Run("NoParams", func(t *testing.T) {
		w := env.request(t, "GET", "/scores", testKey, "")
		if w.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", w.Code)
		}
		if res := decode(t, w); len(res) != 0 {
			t.Errorf("got %v, want empty object", res)
		}
	})

	t.Run("MalformedIDList", func(t *testing.T) {
		before := env.captureCount(t)
		w := env.request(t, "GET", "/scores?posts=1,x,3", testKey, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", w.Code)
		}
		if strings.Contains(w.Body.String(), "x") {
			t.Errorf("response leaks parse detail: %s", w.Body.String())
		}
		if env.captureCount(t) != before+1 {
			t.Error("malformed request must be captured out-of-band")
		}
	})

	t.Run("WhitespaceTolerated", func(t *testing.T) {
		w := env.request(t, "GET", "/scores?posts=1,+2", testKey, "")
		if w.Code != http.StatusOK {
			t.Errorf("status %d, want 200 for ' 2'", w.Code)
		}
	})
}

// --- PUT /scores ---

func TestPutScores(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, "PUT", "/scores", testKey,
			`{"posts":{"k":{"id":1,"userId":10,"userName":"a","karma":5}}}`)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status %d, want 204: %s", w.Code, w.Body.String())
		}
		if w.Body.Len() != 0 {
			t.Errorf("204 must have no body, got %q", w.Body.String())
		}

		records, err := env.db.RetrieveScores(db.TablePosts, []int64{1})
		if err != nil {
			t.Fatalf("retrieving: %v", err)
		}
		want := db.ScoredRecord{ID: 1, UserID: 10, UserName: "a", Karma: 5}
		if len(records) != 1 || records[0] != want {
			t.Errorf("stored %v, want [%v]", records, want)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		env := newTestEnv(t)
		body := `{"posts":{"k":{"id":1,"userId":10,"userName":"a","karma":5}}}`
		env.request(t, "PUT", "/scores", testKey, body)
		env.request(t, "PUT", "/scores", testKey, body)
		if n := countRows(t, env.db, "posts"); n != 1 {
			t.Errorf("got %d rows after double upsert, want 1", n)
		}
	})

	t.Run("StringCoercion", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, "PUT", "/scores", testKey,
			`{"replies":{"k":{"id":"3","userId":"12","userName":"c","karma":"-7"}}}`)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status %d, want 204 for numeric strings", w.Code)
		}
		records, err := env.db.RetrieveScores(db.TableReplies, []int64{3})
		if err != nil {
			t.Fatalf("retrieving: %v", err)
		}
		want := db.ScoredRecord{ID: 3, UserID: 12, UserName: "c", Karma: -7}
		if len(records) != 1 || records[0] != want {
			t.Errorf("stored %v, want [%v]", records, want)
		}
	})

	t.Run("NonCoercibleAbortsWholeBatch", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, "PUT", "/scores", testKey, `{
			"posts": {"good": {"id":1,"userId":10,"userName":"a","karma":5},
			          "bad":  {"id":2,"userId":10,"userName":"a","karma":"lots"}}
		}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status %d, want 400", w.Code)
		}
		if n := countRows(t, env.db, "posts"); n != 0 {
			t.Errorf("aborted batch committed %d rows, want 0", n)
		}
		if len(env.audit.entries) != 0 {
			t.Errorf("aborted batch produced %d audit entries, want 0", len(env.audit.entries))
		}
	})

	t.Run("MissingFieldAbortsWholeBatch", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, "PUT", "/scores", testKey, `{
			"posts":   {"good": {"id":1,"userId":10,"userName":"a","karma":5}},
			"replies": {"bad":  {"id":2,"userId":10,"karma":1}}
		}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status %d, want 400", w.Code)
		}
		if countRows(t, env.db, "posts")+countRows(t, env.db, "replies") != 0 {
			t.Error("aborted batch must commit zero rows across both tables")
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		env := newTestEnv(t)
		before := env.captureCount(t)
		w := env.request(t, "PUT", "/scores", testKey, `{"posts": [1,2,3]`)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status %d, want 400", w.Code)
		}
		if env.captureCount(t) != before+1 {
			t.Error("malformed body must be captured out-of-band")
		}
	})

	t.Run("EmptyBodyObject", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, "PUT", "/scores", testKey, `{}`)
		if w.Code != http.StatusNoContent {
			t.Errorf("status %d, want 204 for a no-op put", w.Code)
		}
	})

	t.Run("AuditEntryPerRecord", func(t *testing.T) {
		env := newTestEnv(t)
		w := env.request(t, "PUT", "/scores", testKey, `{
			"posts":   {"p1": {"id":1,"userId":10,"userName":"a","karma":5},
			            "p2": {"id":2,"userId":11,"userName":"b","karma":3}},
			"replies": {"r1": {"id":1,"userId":10,"userName":"a","karma":2}}
		}`)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status %d, want 204", w.Code)
		}
		if len(env.audit.entries) != 3 {
			t.Fatalf("got %d audit entries, want 3 (one per record)", len(env.audit.entries))
		}
		tables := map[string]int{}
		for _, e := range env.audit.entries {
			if e.User != "alice" {
				t.Errorf("entry attributed to %q, want alice", e.User)
			}
			tables[e.Table]++
		}
		if tables["Posts"] != 2 || tables["Replies"] != 1 {
			t.Errorf("entries per table = %v, want Posts:2 Replies:1", tables)
		}
	})

	t.Run("AuditFailureAbortsCommit", func(t *testing.T) {
		env := newTestEnv(t)
		env.audit.failAfter = 1
		w := env.request(t, "PUT", "/scores", testKey, `{
			"posts": {"p1": {"id":1,"userId":10,"userName":"a","karma":5},
			          "p2": {"id":2,"userId":11,"userName":"b","karma":3}}
		}`)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("status %d, want 500 for sink failure", w.Code)
		}
		if n := countRows(t, env.db, "posts"); n != 0 {
			t.Errorf("commit survived audit failure: %d rows", n)
		}
	})
}

// --- GET /summary ---

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	w := env.request(t, "PUT", "/scores", testKey, `{
		"posts":   {"k": {"id":1,"userId":7,"userName":"alice","karma":3}},
		"replies": {"k": {"id":1,"userId":7,"userName":"alice","karma":-1}}
	}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("seeding: status %d", w.Code)
	}

	w = env.request(t, "GET", "/summary", testKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var summaries []db.UserSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	got := summaries[0]
	if got.UserID != 7 || got.Posts != 1 || got.Replies != 0 || got.Karma != 3 {
		t.Errorf("summary = %+v, want userId:7 posts:1 replies:0 karma:3", got)
	}
}
