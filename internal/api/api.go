// Package api is the HTTP boundary for the scores service: credential
// checking, payload validation, and status-code mapping around the store.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/hazyhaar/edkarma/internal/auth"
	"github.com/hazyhaar/edkarma/internal/db"
	"github.com/hazyhaar/edkarma/internal/errlog"
	"github.com/hazyhaar/edkarma/pkg/audit"
)

// maxBodySize caps PUT /scores bodies.
const maxBodySize = 1 << 20 // 1MB

type API struct {
	db      *db.DB
	keyring *auth.Keyring
	audit   audit.Logger
	errors  *errlog.Log
}

func New(database *db.DB, keyring *auth.Keyring, auditLog audit.Logger, errors *errlog.Log) *API {
	return &API{db: database, keyring: keyring, audit: auditLog, errors: errors}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Ordered chain per route: log -> authenticate -> handle.
	mux.HandleFunc("GET /scores", requestLog(a.requireKey(a.handleGetScores)))
	mux.HandleFunc("PUT /scores", requestLog(a.requireKey(a.handlePutScores)))
	mux.HandleFunc("GET /summary", requestLog(a.requireKey(a.handleSummary)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// --- GET /scores ---

// handleGetScores serves batch retrieval. A response key appears iff its
// query parameter was supplied; ids with no matching record are omitted
// silently. No batch size cap is enforced here; callers own that.
func (a *API) handleGetScores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := map[string][]db.ScoredRecord{}

	for param, table := range map[string]db.Table{
		"posts":   db.TablePosts,
		"replies": db.TableReplies,
	} {
		if !q.Has(param) {
			continue
		}
		ids, err := parseIDList(q.Get(param))
		if err != nil {
			a.errors.Capture(err, r, nil)
			jsonError(w, "malformed id list", http.StatusBadRequest)
			return
		}
		records, err := a.db.RetrieveScores(table, ids)
		if err != nil {
			slog.Error("retrieving scores", "table", table, "error", err)
			a.errors.Capture(err, r, nil)
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		res[param] = records
	}

	jsonResp(w, http.StatusOK, res)
}

// parseIDList parses a comma-separated id list. An empty string is a valid
// empty list; any non-integer token fails the whole list.
func parseIDList(csv string) ([]int64, error) {
	if csv == "" {
		return nil, nil
	}
	tokens := strings.Split(csv, ",")
	ids := make([]int64, 0, len(tokens))
	for _, tok := range tokens {
		id, err := strconv.ParseInt(strings.TrimSpace(tok), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing id %q: %w", tok, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- PUT /scores ---

// flexInt accepts a JSON number or a numeric string; anything else is a
// client error, never a silent default.
type flexInt int64

func (v *flexInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		s = strings.TrimSpace(raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%q is not an integer", s)
	}
	*v = flexInt(n)
	return nil
}

type scorePayload struct {
	ID       *flexInt `json:"id"`
	UserID   *flexInt `json:"userId"`
	UserName *string  `json:"userName"`
	Karma    *flexInt `json:"karma"`
}

type putScoresRequest struct {
	Posts   map[string]scorePayload `json:"posts"`
	Replies map[string]scorePayload `json:"replies"`
}

// handlePutScores applies the whole request as one transaction: every record
// validates and commits, or none do. One audit entry is appended per record,
// attributed to the caller, before the commit is durable.
func (a *API) handlePutScores(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		a.errors.Capture(err, r, body)
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var req putScoresRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.errors.Capture(err, r, body)
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	batches := []db.Batch{}
	for _, part := range []struct {
		table   db.Table
		records map[string]scorePayload
	}{
		{db.TablePosts, req.Posts},
		{db.TableReplies, req.Replies},
	} {
		if len(part.records) == 0 {
			continue
		}
		records, err := resolveRecords(part.records)
		if err != nil {
			a.errors.Capture(err, r, body)
			jsonError(w, "invalid record", http.StatusBadRequest)
			return
		}
		batches = append(batches, db.Batch{Table: part.table, Records: records})
	}

	user := caller(r.Context())
	err = a.db.UpsertScores(batches, func(table db.Table, rec db.ScoredRecord) error {
		return a.audit.Append(audit.Entry{
			User:     user,
			Table:    string(table),
			ID:       rec.ID,
			UserID:   rec.UserID,
			UserName: rec.UserName,
			Karma:    rec.Karma,
		})
	})
	if err != nil {
		slog.Error("upserting scores", "user", user, "error", err)
		a.errors.Capture(err, r, body)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// resolveRecords validates a record map and fixes the order by record key so
// audit lines are deterministic.
func resolveRecords(payloads map[string]scorePayload) ([]db.ScoredRecord, error) {
	keys := make([]string, 0, len(payloads))
	for k := range payloads {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]db.ScoredRecord, 0, len(keys))
	for _, k := range keys {
		p := payloads[k]
		if p.ID == nil || p.UserID == nil || p.UserName == nil || p.Karma == nil {
			return nil, fmt.Errorf("record %q is missing required fields", k)
		}
		records = append(records, db.ScoredRecord{
			ID:       int64(*p.ID),
			UserID:   int64(*p.UserID),
			UserName: *p.UserName,
			Karma:    int64(*p.Karma),
		})
	}
	return records, nil
}

// --- GET /summary ---

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.db.Summarize()
	if err != nil {
		slog.Error("summarizing scores", "error", err)
		a.errors.Capture(err, r, nil)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, summaries)
}

// --- Helpers ---

func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
