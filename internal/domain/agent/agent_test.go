package agent

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

type fakeCatalog struct {
	tools    []entity.ToolDescriptor
	callFunc func(ctx context.Context, server, tool string, args map[string]interface{}) (*entity.ToolResult, error)
}

func (f *fakeCatalog) ListTools(server string) []entity.ToolDescriptor { return f.tools }

func (f *fakeCatalog) CallTool(ctx context.Context, server, tool string, args map[string]interface{}, timeout time.Duration) (*entity.ToolResult, error) {
	return f.callFunc(ctx, server, tool, args)
}

func newTestLog(t *testing.T) *ActionLog {
	t.Helper()
	dir := t.TempDir()
	return NewActionLog(NewSessionID(), dir)
}

func TestAgent_RunTurn_NoToolsNeeded(t *testing.T) {
	catalog := &fakeCatalog{}
	generate := func(ctx context.Context, userPrompt, system, retrievedContext, model string) (string, error) {
		if system != "" {
			return `{"needs_tools":false,"tool_calls":[],"reasoning":"just a greeting"}`, nil
		}
		return "Hi there!", nil
	}

	a := New(catalog, generate, nil, zap.NewNop(), newTestLog(t))
	result, err := a.RunTurn(context.Background(), "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Response != "Hi there!" {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected no tool calls, got %+v", result.ToolCalls)
	}
}

func TestAgent_RunTurn_ExecutesValidToolCall(t *testing.T) {
	catalog := &fakeCatalog{
		tools: []entity.ToolDescriptor{
			{ServerName: "fs", ToolName: "read_file", Description: "reads a file", InputSchema: map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"path"},
				"properties": map[string]interface{}{
					"path": map[string]interface{}{"type": "string"},
				},
			}},
		},
		callFunc: func(ctx context.Context, server, tool string, args map[string]interface{}) (*entity.ToolResult, error) {
			return &entity.ToolResult{Success: true, Content: "file contents", ServerName: server, ToolName: tool}, nil
		},
	}

	callCount := 0
	generate := func(ctx context.Context, userPrompt, system, retrievedContext, model string) (string, error) {
		callCount++
		if callCount == 1 {
			return `{"needs_tools":true,"tool_calls":[{"server":"fs","tool":"read_file","parameters":{"path":"a.txt"},"purpose":"read the file"}],"reasoning":"need contents"}`, nil
		}
		return "The file says: file contents", nil
	}

	a := New(catalog, generate, nil, zap.NewNop(), newTestLog(t))
	result, err := a.RunTurn(context.Background(), "what's in a.txt?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.ToolCalls) != 1 || !result.ToolCalls[0].Success {
		t.Fatalf("unexpected tool calls: %+v", result.ToolCalls)
	}
}

func TestAgent_RunTurn_DropsCallForUnknownTool(t *testing.T) {
	catalog := &fakeCatalog{
		tools: []entity.ToolDescriptor{{ServerName: "fs", ToolName: "read_file"}},
		callFunc: func(ctx context.Context, server, tool string, args map[string]interface{}) (*entity.ToolResult, error) {
			t.Fatal("no valid calls should have been executed")
			return nil, nil
		},
	}

	generate := func(ctx context.Context, userPrompt, system, retrievedContext, model string) (string, error) {
		if system != "" {
			return `{"needs_tools":true,"tool_calls":[{"server":"fs","tool":"delete_everything","parameters":{},"purpose":"bad"}],"reasoning":"oops"}`, nil
		}
		return "I can't do that.", nil
	}

	a := New(catalog, generate, nil, zap.NewNop(), newTestLog(t))
	result, err := a.RunTurn(context.Background(), "delete everything")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("expected the unknown tool call to be dropped, got %+v", result.ToolCalls)
	}
}

func TestAgent_RunTurn_UnparseableAnalysisDegradesGracefully(t *testing.T) {
	catalog := &fakeCatalog{}
	generate := func(ctx context.Context, userPrompt, system, retrievedContext, model string) (string, error) {
		if system != "" {
			return "I'm thinking about this but have no structured answer.", nil
		}
		return "Here's my best answer.", nil
	}

	a := New(catalog, generate, nil, zap.NewNop(), newTestLog(t))
	result, err := a.RunTurn(context.Background(), "confusing input")
	if err != nil {
		t.Fatalf("expected graceful degradation, not an error: %v", err)
	}
	if result.Response != "Here's my best answer." {
		t.Fatalf("unexpected response: %q", result.Response)
	}
}

func TestActionLog_PersistWritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	log := NewActionLog("session-123", dir)
	log.Append(entity.ActionAnalysis, "", "", "", nil, "reasoning text", true, 12)

	if err := log.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 files (json + report), got %d", len(entries))
	}
}
