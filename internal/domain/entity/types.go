// Package entity holds the plain data types shared across the gateway's
// layers: server descriptors, tool call/result shapes, and the append-only
// audit record. None of these types carry behavior beyond small, pure
// helpers — lifecycle and concurrency live in the owning packages
// (transport, registry, middleware).
package entity

import "time"

// ServerSpec is the static descriptor of a tool server, loaded once from
// the client registry config and immutable thereafter.
type ServerSpec struct {
	Name        string            `json:"name"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
}

// ToolDescriptor is one capability exposed by a ready server, aggregated
// into the registry's flat tool catalog.
type ToolDescriptor struct {
	ServerName  string                 `json:"server_name"`
	ToolName    string                 `json:"tool_name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Endpoint returns the middleware addressing key for calls to this tool,
// e.g. "tool:filesystem.read_file".
func (d ToolDescriptor) Endpoint() string {
	return "tool:" + d.ServerName + "." + d.ToolName
}

// ToolCall is a planned invocation produced by the Agent's Analyze step.
type ToolCall struct {
	ServerName string                 `json:"server"`
	ToolName   string                 `json:"tool"`
	Arguments  map[string]interface{} `json:"parameters"`
	Purpose    string                 `json:"purpose"`
}

// ToolResult is the outcome of executing a ToolCall through the Transport.
type ToolResult struct {
	Success    bool        `json:"success"`
	Content    interface{} `json:"content,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms"`
	ServerName string      `json:"server_name"`
	ToolName   string      `json:"tool_name"`
}

// ActionKind enumerates the kinds of activity recorded in an AgentAction.
type ActionKind string

const (
	ActionAnalysis   ActionKind = "analysis"
	ActionToolCall   ActionKind = "tool_call"
	ActionSynthesis  ActionKind = "synthesis"
	ActionError      ActionKind = "error"
)

// AgentAction is an immutable, append-only audit record of one decision or
// outcome within a turn. Result content is truncated by ActionLog.Append
// when the record is built (500 bytes, spec.md §4.5 step 4).
type AgentAction struct {
	Timestamp     time.Time              `json:"timestamp"`
	Kind          ActionKind             `json:"kind"`
	Server        string                 `json:"server,omitempty"`
	Tool          string                 `json:"tool,omitempty"`
	Purpose       string                 `json:"purpose,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	ResultExcerpt string                 `json:"result_excerpt,omitempty"`
	Success       bool                   `json:"success"`
	DurationMS    int64                  `json:"duration_ms"`
}

// ServerStatus is one entry of the registry's list_servers() result: a
// configured server's readiness, tool count, and (when not ready) a
// diagnostic reason (spec.md §4.2, §8 scenario 6 — partial connectivity).
type ServerStatus struct {
	Name        string `json:"name"`
	Ready       bool   `json:"ready"`
	ToolCount   int    `json:"tool_count"`
	Description string `json:"description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// ModelInfo describes one model the LLM service can generate with.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}
