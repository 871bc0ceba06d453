package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docchat/internal/answer"
	"github.com/kalambet/docchat/internal/pipeline"
	"github.com/kalambet/docchat/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The stdio transport has a
// single local user, so every tool acts as OwnerID.
type MCPDeps struct {
	Service Service
	OwnerID string
}

// NewMCPServer creates an MCP server with all docchat tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("docchat answers questions strictly from one reference document and keeps conversation sessions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Answer a question using only the reference document. Pass session_id to continue a conversation."),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session to continue; omit to start a new one")),
			mcp.WithNumber("k", mcp.Description("Number of passages to retrieve (default from config)")),
		),
		mcpAskQuestion(deps),
	)

	s.AddTool(
		mcp.NewTool("search_document",
			mcp.WithDescription("Return the passages of the reference document most similar to a query, without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default from config)")),
		),
		mcpSearchDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List conversation sessions, most recently updated first."),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_turns",
			mcp.WithDescription("Return every turn of a session in chronological order."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpGetTurns(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_session",
			mcp.WithDescription("Delete a session and all of its turns."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpDeleteSession(deps),
	)

	return s
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		resp, err := deps.Service.Ask(ctx, pipeline.Request{
			OwnerID:   deps.OwnerID,
			SessionID: req.GetString("session_id", ""),
			Question:  question,
			K:         req.GetInt("k", 0),
		})
		if err != nil {
			msg := fmt.Sprintf("ask failed: %v", err)
			if errors.Is(err, answer.ErrGenerationUnavailable) && resp.SessionID != "" {
				msg += fmt.Sprintf(" (question saved in session %s; retry later)", resp.SessionID)
			}
			return mcpError(msg), nil
		}

		return mcpJSON(askResponse(resp))
	}
}

func mcpSearchDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 0)
		if limit < 0 {
			limit = 0
		}
		if limit > maxSearchK {
			limit = maxSearchK
		}

		results, err := deps.Service.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpJSON(searchResultsJSON(results))
	}
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions, err := deps.Service.Sessions(ctx, deps.OwnerID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing sessions failed: %v", err)), nil
		}
		out := make([]SessionJSON, len(sessions))
		for i, s := range sessions {
			out[i] = sessionJSON(s)
		}
		return mcpJSON(out)
	}
}

func mcpGetTurns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		turns, err := deps.Service.Turns(ctx, deps.OwnerID, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading turns failed: %v", err)), nil
		}
		out := make([]TurnJSON, len(turns))
		for i, t := range turns {
			out[i] = turnJSON(t)
		}
		return mcpJSON(out)
	}
}

func mcpDeleteSession(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		err = deps.Service.DeleteSession(ctx, deps.OwnerID, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("deleting session failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Deleted session %s", id)), nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
