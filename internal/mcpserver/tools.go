// Package mcpserver registers MCP tools that expose ledger sync
// operations. It adapts the syncer engine to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultHistoryLimit = 20

// Engine is the part of syncer.Engine the tools call.
type Engine interface {
	State() syncer.State
	SyncNow(ctx context.Context) error
	RestoreFromCloud(ctx context.Context, overwriteLocal bool) error
}

// HistoryReader returns the most recent sync records, newest first.
type HistoryReader interface {
	History(limit int) ([]models.SyncRecord, error)
}

// RegisterTools adds all ledger tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine, h HistoryReader) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_status",
		Description: "Current sync state: sign-in, last sync time, direction and policy, conflict and restart flags, and the last status or error message.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_sync",
		Description: "Sync the local ledger database with the cloud backup. The newer copy wins; a newer cloud copy replaces the local file and requires an app restart.",
	}, syncHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_restore",
		Description: "Replace the local ledger database with the cloud backup regardless of timestamps. Does nothing unless overwrite_local is true.",
	}, restoreHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_history",
		Description: "Recent sync and restore attempts, newest first, with direction, policy, byte count and error.",
	}, historyHandler(h))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncInput has no parameters.
type SyncInput struct{}

// RestoreInput holds parameters for ledger_restore.
type RestoreInput struct {
	OverwriteLocal bool `json:"overwrite_local" jsonschema:"required,must be true to replace the local database"`
}

// HistoryInput holds parameters for ledger_history.
type HistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of records, defaults to 20"`
}

// --- Output types ---

// HistoryEntry is one sync record with its time as an RFC 3339 string.
type HistoryEntry struct {
	At        string `json:"at"`
	Operation string `json:"operation"`
	Source    string `json:"source,omitempty"`
	Policy    string `json:"policy,omitempty"`
	Conflict  bool   `json:"conflict,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HistoryResult is the output of ledger_history.
type HistoryResult struct {
	Total   int            `json:"total"`
	Records []HistoryEntry `json:"records"`
}

// --- Handlers ---

func statusHandler(e Engine) mcp.ToolHandlerFor[StatusInput, *syncer.State] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *syncer.State, error) {
		s := e.State()
		return textResult(s), &s, nil
	}
}

func syncHandler(e Engine) mcp.ToolHandlerFor[SyncInput, *syncer.State] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *syncer.State, error) {
		return operationResult(e, e.SyncNow(ctx))
	}
}

func restoreHandler(e Engine) mcp.ToolHandlerFor[RestoreInput, *syncer.State] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RestoreInput) (*mcp.CallToolResult, *syncer.State, error) {
		return operationResult(e, e.RestoreFromCloud(ctx, input.OverwriteLocal))
	}
}

func historyHandler(h HistoryReader) mcp.ToolHandlerFor[HistoryInput, *HistoryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input HistoryInput) (*mcp.CallToolResult, *HistoryResult, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}

		records, err := h.History(limit)
		if err != nil {
			return nil, nil, fmt.Errorf("reading sync history: %w", err)
		}

		result := &HistoryResult{Total: len(records), Records: make([]HistoryEntry, 0, len(records))}
		for _, rec := range records {
			result.Records = append(result.Records, HistoryEntry{
				At:        rec.At.UTC().Format(time.RFC3339),
				Operation: rec.Operation,
				Source:    string(rec.Source),
				Policy:    string(rec.Policy),
				Conflict:  rec.Conflict,
				Bytes:     rec.Bytes,
				Error:     rec.Error,
			})
		}

		return textResult(result), result, nil
	}
}

// operationResult reports a finished sync or restore. Failures become
// tool errors carrying the published LastError, which is the message a
// user would see.
func operationResult(e Engine, err error) (*mcp.CallToolResult, *syncer.State, error) {
	s := e.State()
	if err != nil {
		if s.LastError != "" {
			return nil, nil, errors.New(s.LastError)
		}

		return nil, nil, err
	}

	return textResult(s), &s, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
