// Package agent implements the single-turn Analyze → Validate → Execute →
// Log → Synthesize orchestration described by spec.md §4.5 — deliberately
// not the unbounded multi-step loop a coding assistant would run.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/toolgw/gateway/internal/domain/entity"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"github.com/toolgw/gateway/pkg/safego"
	"go.uber.org/zap"
)

const defaultToolCallTimeout = 30 * time.Second

// ToolCatalog is the subset of the Client Registry the Agent depends on.
type ToolCatalog interface {
	ListTools(server string) []entity.ToolDescriptor
	CallTool(ctx context.Context, server, tool string, args map[string]interface{}, timeout time.Duration) (*entity.ToolResult, error)
}

// generateFn is llmclient.Client.Generate's signature minus its trailing
// GenerateOptions argument, so domain/agent does not import llmclient and
// stays free of an infrastructure-layer dependency. system and
// retrievedContext are distinct
// per spec.md §4.4 (generate(prompt, system?, context?, model?)): system
// carries the Analyze step's structured tool-catalog prompt, retrievedContext
// carries the Synthesize step's retrieved/tool-result material.
type generateFn func(ctx context.Context, userPrompt, system, retrievedContext, model string) (string, error)

// ContextRetriever supplies external retrieved context for the Synthesize
// step (spec.md §4.5 step 5's "retrieved context from an external
// collaborator"). The gateway's default implementation returns "", nil —
// retrieval-augmented generation itself is out of this module's scope.
type ContextRetriever interface {
	Retrieve(ctx context.Context, userMessage string) (string, error)
}

type noopRetriever struct{}

func (noopRetriever) Retrieve(ctx context.Context, userMessage string) (string, error) { return "", nil }

const analysisSystemPromptTemplate = `You decide whether answering the user's message requires calling any tools.
Available tools:
%s

Respond with ONLY a JSON object of this exact shape, and nothing else:
{"needs_tools": bool, "tool_calls": [{"server": string, "tool": string, "parameters": object, "purpose": string}], "reasoning": string}`

// Agent runs one turn of analysis, validation, tool execution, logging,
// and synthesis for a single user message.
type Agent struct {
	catalog   ToolCatalog
	generate  generateFn
	retriever ContextRetriever
	logger    *zap.Logger
	log       *ActionLog
}

// New builds an Agent. The caller binds generate to an llmclient.Client's
// Generate method with a closure that supplies the sampling options, as
// internal/application does.
func New(catalog ToolCatalog, generate generateFn, retriever ContextRetriever, logger *zap.Logger, log *ActionLog) *Agent {
	if retriever == nil {
		retriever = noopRetriever{}
	}
	return &Agent{catalog: catalog, generate: generate, retriever: retriever, logger: logger, log: log}
}

// TurnResult is what RunTurn returns to its caller.
type TurnResult struct {
	Response  string
	ToolCalls []entity.ToolResult
}

// RunTurn executes the full Analyze → Validate → Execute → Log →
// Synthesize pipeline for one user message.
func (a *Agent) RunTurn(ctx context.Context, userMessage string) (*TurnResult, error) {
	analysis, err := a.analyze(ctx, userMessage)
	if err != nil {
		a.log.Append(entity.ActionError, "", "", "", nil, err.Error(), false, 0)
		a.logger.Warn("analysis unparseable, proceeding without tools", zap.Error(err))
		analysis = analysisPayload{NeedsTools: false}
	}

	var results []entity.ToolResult
	if analysis.NeedsTools && len(analysis.ToolCalls) > 0 {
		calls := toEntityCalls(analysis.ToolCalls)
		idx := buildCatalogIndex(a.catalog.ListTools(""))
		outcomes := validateCalls(idx, calls)

		var valid []entity.ToolCall
		for _, o := range outcomes {
			if o.Valid {
				valid = append(valid, o.Call)
			} else {
				a.logger.Warn("dropping invalid tool call", zap.String("server", o.Call.ServerName), zap.String("tool", o.Call.ToolName), zap.String("reason", o.Dropped))
				a.log.Append(entity.ActionError, o.Call.ServerName, o.Call.ToolName, o.Call.Purpose, o.Call.Arguments, o.Dropped, false, 0)
			}
		}

		results = a.execute(ctx, valid)
	}

	response, err := a.synthesize(ctx, userMessage, results)
	if err != nil {
		a.log.Append(entity.ActionError, "", "", "", nil, err.Error(), false, 0)
		return nil, err
	}

	return &TurnResult{Response: response, ToolCalls: results}, nil
}

func (a *Agent) analyze(ctx context.Context, userMessage string) (analysisPayload, error) {
	start := time.Now()
	tools := a.catalog.ListTools("")
	systemPrompt := fmt.Sprintf(analysisSystemPromptTemplate, describeTools(tools))

	raw, err := a.generate(ctx, userMessage, systemPrompt, "", "")
	if err != nil {
		return analysisPayload{}, gwerrors.Wrap(gwerrors.KindLLMUnavailable, "analysis generation failed", err)
	}

	payload, err := extractAnalysis(raw)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		a.log.Append(entity.ActionAnalysis, "", "", "", nil, raw, false, duration)
		return analysisPayload{}, err
	}

	a.log.Append(entity.ActionAnalysis, "", "", "", nil, payload.Reasoning, true, duration)
	return payload, nil
}

func describeTools(tools []entity.ToolDescriptor) string {
	if len(tools) == 0 {
		return "(none available)"
	}
	var b strings.Builder
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s.%s: %s\n", t.ServerName, t.ToolName, t.Description)
	}
	return b.String()
}

func toEntityCalls(payloads []toolCallPayload) []entity.ToolCall {
	calls := make([]entity.ToolCall, 0, len(payloads))
	for _, p := range payloads {
		calls = append(calls, entity.ToolCall{
			ServerName: p.Server,
			ToolName:   p.Tool,
			Arguments:  p.Parameters,
			Purpose:    p.Purpose,
		})
	}
	return calls
}

// execute runs every valid call concurrently; calls are independent in the
// base design, with no dependency ordering between them (spec.md §4.5
// step 3).
func (a *Agent) execute(ctx context.Context, calls []entity.ToolCall) []entity.ToolResult {
	results := make([]entity.ToolResult, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		safego.Go(a.logger, "agent-tool-call", func() {
			defer wg.Done()
			start := time.Now()
			result, err := a.catalog.CallTool(ctx, call.ServerName, call.ToolName, call.Arguments, defaultToolCallTimeout)
			duration := time.Since(start).Milliseconds()

			if err != nil {
				results[i] = entity.ToolResult{
					Success: false, Error: err.Error(), DurationMS: duration,
					ServerName: call.ServerName, ToolName: call.ToolName,
				}
				a.log.Append(entity.ActionToolCall, call.ServerName, call.ToolName, call.Purpose, call.Arguments, err.Error(), false, duration)
				return
			}

			results[i] = *result
			a.log.Append(entity.ActionToolCall, call.ServerName, call.ToolName, call.Purpose, call.Arguments, fmt.Sprintf("%v", result.Content), result.Success, duration)
		})
	}

	wg.Wait()
	return results
}

func (a *Agent) synthesize(ctx context.Context, userMessage string, results []entity.ToolResult) (string, error) {
	start := time.Now()
	retrieved, err := a.retriever.Retrieve(ctx, userMessage)
	if err != nil {
		a.logger.Warn("context retrieval failed, continuing without it", zap.Error(err))
		retrieved = ""
	}

	contextBlock := strings.Join([]string{retrieved, summarizeResults(results)}, "\n\n")
	response, err := a.generate(ctx, userMessage, "", strings.TrimSpace(contextBlock), "")
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindLLMUnavailable, "synthesis generation failed", err)
	}

	a.log.Append(entity.ActionSynthesis, "", "", "", nil, response, true, duration)
	return response, nil
}

func summarizeResults(results []entity.ToolResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Tool results:\n")
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = "error: " + r.Error
		}
		fmt.Fprintf(&b, "- %s.%s (%s): %v\n", r.ServerName, r.ToolName, status, r.Content)
	}
	return b.String()
}

// NewSessionID generates a fresh session identifier for an ActionLog.
func NewSessionID() string {
	return uuid.NewString()
}
