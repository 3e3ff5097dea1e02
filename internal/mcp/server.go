// Package mcp exposes the scores operations as MCP tools over stdio. Writes
// go through the same upsert path and audit trail as the HTTP boundary,
// attributed to a configured local identity.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/edkarma/internal/db"
	"github.com/hazyhaar/edkarma/pkg/audit"
)

// NewServer creates an MCPServer with the scores tools registered. user is
// the identity recorded in the audit log for writes made through tools.
func NewServer(database *db.DB, auditLog audit.Logger, user string) *server.MCPServer {
	srv := server.NewMCPServer(
		"edkarma",
		"0.1.0",
		server.WithToolCapabilities(true),
	)

	registerGetScores(srv, database)
	registerPutScores(srv, database, auditLog, user)
	registerGetSummary(srv, database)

	return srv
}

// tableArg resolves the "table" argument to a score table.
func tableArg(args map[string]any) (db.Table, error) {
	switch args["table"] {
	case "posts":
		return db.TablePosts, nil
	case "replies":
		return db.TableReplies, nil
	}
	return "", fmt.Errorf("table must be \"posts\" or \"replies\"")
}

func jsonResult(data any) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}

// --- get_scores ---

func registerGetScores(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"table": map[string]string{"type": "string", "description": "Score table: posts or replies"},
			"ids":   map[string]any{"type": "array", "items": map[string]string{"type": "integer"}, "description": "Record ids to look up"},
		},
		"required": []string{"table", "ids"},
	})
	tool := mcp.NewToolWithRawSchema("get_scores", "Look up scored records by id; unknown ids are omitted", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		table, err := tableArg(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		rawIDs, ok := args["ids"].([]any)
		if !ok {
			return mcp.NewToolResultError("ids must be an array of integers"), nil
		}
		ids := make([]int64, 0, len(rawIDs))
		for _, v := range rawIDs {
			n, ok := v.(float64)
			if !ok || n != float64(int64(n)) {
				return mcp.NewToolResultError(fmt.Sprintf("id %v is not an integer", v)), nil
			}
			ids = append(ids, int64(n))
		}
		records, err := database.RetrieveScores(table, ids)
		if err != nil {
			return nil, err
		}
		return jsonResult(records)
	})
}

// --- put_scores ---

type putRecord struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
	Karma    int64  `json:"karma"`
}

func registerPutScores(srv *server.MCPServer, database *db.DB, auditLog audit.Logger, user string) {
	recordSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":       map[string]string{"type": "integer", "description": "Record id, unique within the table"},
			"userId":   map[string]string{"type": "integer", "description": "Contributing user id"},
			"userName": map[string]string{"type": "string", "description": "Contributing user name"},
			"karma":    map[string]string{"type": "integer", "description": "Karma score"},
		},
		"required": []string{"id", "userId", "userName", "karma"},
	}
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"table":   map[string]string{"type": "string", "description": "Score table: posts or replies"},
			"records": map[string]any{"type": "array", "items": recordSchema, "description": "Records to insert or replace"},
		},
		"required": []string{"table", "records"},
	})
	tool := mcp.NewToolWithRawSchema("put_scores", "Insert or replace scored records as one atomic batch", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		table, err := tableArg(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		// Round-trip through JSON to reuse strict struct decoding.
		raw, err := json.Marshal(args["records"])
		if err != nil {
			return mcp.NewToolResultError("records must be an array of record objects"), nil
		}
		var payload []putRecord
		if err := json.Unmarshal(raw, &payload); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid records: %v", err)), nil
		}
		if len(payload) == 0 {
			return mcp.NewToolResultError("records must not be empty"), nil
		}

		records := make([]db.ScoredRecord, len(payload))
		for i, p := range payload {
			records[i] = db.ScoredRecord(p)
		}

		err = database.UpsertScores([]db.Batch{{Table: table, Records: records}},
			func(table db.Table, rec db.ScoredRecord) error {
				return auditLog.Append(audit.Entry{
					User:     user,
					Table:    string(table),
					ID:       rec.ID,
					UserID:   rec.UserID,
					UserName: rec.UserName,
					Karma:    rec.Karma,
				})
			})
		if err != nil {
			return nil, err
		}
		return jsonResult(map[string]any{"written": len(records), "table": string(table)})
	})
}

// --- get_summary ---

func registerGetSummary(srv *server.MCPServer, database *db.DB) {
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	})
	tool := mcp.NewToolWithRawSchema("get_summary", "Per-user post/reply counts and total karma across both tables (karma > 0 rows only)", schema)

	srv.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summaries, err := database.Summarize()
		if err != nil {
			return nil, err
		}
		return jsonResult(summaries)
	})
}
