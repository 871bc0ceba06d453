package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testApp) {
	t.Helper()
	app := setupApp(t)
	return MCPDeps{Service: app.orch, OwnerID: "local"}, app
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func askViaMCP(t *testing.T, deps MCPDeps, args map[string]interface{}) AskResponse {
	t.Helper()
	result, err := mcpAskQuestion(deps)(context.Background(), makeCallToolRequest("ask_question", args))
	if err != nil {
		t.Fatalf("ask_question: %v", err)
	}
	if result.IsError {
		t.Fatalf("ask_question error: %s", toolText(t, result))
	}
	var resp AskResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestMCPTool_AskQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	resp := askViaMCP(t, deps, map[string]interface{}{"question": "What are your office hours?"})
	if resp.Answer != "Office hours are 9am-5pm." {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if len(resp.CitedSources) == 0 || resp.CitedSources[0] != "offset 0" {
		t.Errorf("CitedSources = %v", resp.CitedSources)
	}

	again := askViaMCP(t, deps, map[string]interface{}{
		"question":   "Office hours?",
		"session_id": resp.SessionID,
	})
	if again.SessionID != resp.SessionID {
		t.Errorf("SessionID = %q, want %q", again.SessionID, resp.SessionID)
	}
}

func TestMCPTool_AskQuestion_MissingQuestion(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpAskQuestion(deps)(context.Background(), makeCallToolRequest("ask_question", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError for missing question")
	}
}

func TestMCPTool_AskQuestion_GenerationUnavailable(t *testing.T) {
	deps, app := newTestMCPDeps(t)
	app.chatter.err = errors.New("backend down")

	result, err := mcpAskQuestion(deps)(context.Background(), makeCallToolRequest("ask_question", map[string]interface{}{
		"question": "What are your office hours?",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError")
	}
	if text := toolText(t, result); !strings.Contains(text, "question saved in session") {
		t.Errorf("text = %q, want session hint", text)
	}
}

func TestMCPTool_SearchDocument(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpSearchDocument(deps)(context.Background(), makeCallToolRequest("search_document", map[string]interface{}{
		"query": "free shipping",
		"limit": float64(1),
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var results []SearchResultJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &results); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(results) != 1 || results[0].Locator != "offset 200" {
		t.Errorf("results = %+v, want the shipping passage", results)
	}
}

func TestMCPTool_Sessions(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()

	resp := askViaMCP(t, deps, map[string]interface{}{"question": "What are your office hours?"})

	result, err := mcpListSessions(deps)(ctx, makeCallToolRequest("list_sessions", nil))
	if err != nil {
		t.Fatalf("list_sessions: %v", err)
	}
	var sessions []SessionJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &sessions); err != nil {
		t.Fatalf("unmarshal sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != resp.SessionID || sessions[0].OwnerID != "local" {
		t.Errorf("sessions = %+v", sessions)
	}

	result, err = mcpGetTurns(deps)(ctx, makeCallToolRequest("get_turns", map[string]interface{}{"session_id": resp.SessionID}))
	if err != nil {
		t.Fatalf("get_turns: %v", err)
	}
	var turns []TurnJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &turns); err != nil {
		t.Fatalf("unmarshal turns: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("turns = %+v", turns)
	}

	result, err = mcpDeleteSession(deps)(ctx, makeCallToolRequest("delete_session", map[string]interface{}{"session_id": resp.SessionID}))
	if err != nil || result.IsError {
		t.Fatalf("delete_session: %v %+v", err, result)
	}

	result, err = mcpGetTurns(deps)(ctx, makeCallToolRequest("get_turns", map[string]interface{}{"session_id": resp.SessionID}))
	if err != nil {
		t.Fatalf("get_turns: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("expected not found after delete, got %q", toolText(t, result))
	}
}

func TestMCPTool_OtherOwnerSessionHidden(t *testing.T) {
	deps, app := newTestMCPDeps(t)

	s, err := app.store.CreateSession(context.Background(), "alice", "private")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	result, err := mcpDeleteSession(deps)(context.Background(), makeCallToolRequest("delete_session", map[string]interface{}{"session_id": s.ID}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected IsError when deleting another owner's session")
	}
	if _, err := app.store.GetSession(context.Background(), s.ID); err != nil {
		t.Errorf("session was removed: %v", err)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	askHandler := mcpAskQuestion(deps)
	searchHandler := mcpSearchDocument(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("ask_question", map[string]interface{}{
				"question": "What are your office hours?",
			})
			result, err := askHandler(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			if result.IsError {
				errs <- errors.New(toolText(t, result))
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("search_document", map[string]interface{}{
				"query": "refunds",
			})
			if _, err := searchHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
