// Package repl implements the gateway's interactive line interface: plain
// chat turns routed through the Agent, plus the /mcp-* diagnostic commands
// spec.md §6 names.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	domainagent "github.com/toolgw/gateway/internal/domain/agent"
	"github.com/toolgw/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

const mcpCallTimeout = 30 * time.Second

// ToolCatalog is the subset of the Client Registry the REPL's /mcp-*
// commands need.
type ToolCatalog interface {
	ListServers() []entity.ServerStatus
	ListTools(server string) []entity.ToolDescriptor
	CallTool(ctx context.Context, server, tool string, args map[string]interface{}, timeout time.Duration) (*entity.ToolResult, error)
}

// REPL drives one interactive session over in/out.
type REPL struct {
	agent     *domainagent.Agent
	registry  ToolCatalog
	actionLog *domainagent.ActionLog
	logger    *zap.Logger
	in        *bufio.Scanner
	out       io.Writer
}

// New builds a REPL reading from in and writing to out.
func New(agent *domainagent.Agent, registry ToolCatalog, actionLog *domainagent.ActionLog, logger *zap.Logger, in io.Reader, out io.Writer) *REPL {
	return &REPL{agent: agent, registry: registry, actionLog: actionLog, logger: logger, in: bufio.NewScanner(in), out: out}
}

// Run reads lines until EOF or ctx is cancelled, dispatching each as
// either a slash command or a chat turn.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "toolgw gateway — type a message, or /mcp-servers, /mcp-tools, /mcp-call, /report, /save-report, /quit")
	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if strings.HasPrefix(line, "/") {
			r.dispatchCommand(ctx, line)
			continue
		}

		r.runChatTurn(ctx, line)
	}
}

func (r *REPL) runChatTurn(ctx context.Context, message string) {
	result, err := r.agent.RunTurn(ctx, message)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, result.Response)
}

func (r *REPL) dispatchCommand(ctx context.Context, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/mcp-servers":
		for _, status := range r.registry.ListServers() {
			if status.Ready {
				fmt.Fprintf(r.out, "%s: ready, %d tools — %s\n", status.Name, status.ToolCount, status.Description)
			} else {
				fmt.Fprintf(r.out, "%s: not ready (%s)\n", status.Name, status.Reason)
			}
		}
	case "/mcp-tools":
		server := ""
		if len(fields) > 1 {
			server = fields[1]
		}
		for _, tool := range r.registry.ListTools(server) {
			fmt.Fprintf(r.out, "%s: %s\n", tool.Endpoint(), tool.Description)
		}
	case "/mcp-call":
		r.handleMCPCall(ctx, fields)
	case "/report":
		r.printReport()
	case "/save-report":
		if err := r.actionLog.Persist(); err != nil {
			fmt.Fprintf(r.out, "failed to save report: %v\n", err)
		} else {
			fmt.Fprintln(r.out, "report saved")
		}
	default:
		fmt.Fprintf(r.out, "unknown command: %s\n", fields[0])
	}
}

func (r *REPL) handleMCPCall(ctx context.Context, fields []string) {
	if len(fields) < 3 {
		fmt.Fprintln(r.out, "usage: /mcp-call <server> <tool> <json-args>")
		return
	}
	server, tool := fields[1], fields[2]

	var args map[string]interface{}
	if len(fields) > 3 {
		raw := strings.Join(fields[3:], " ")
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			fmt.Fprintf(r.out, "invalid JSON arguments: %v\n", err)
			return
		}
	}

	result, err := r.registry.CallTool(ctx, server, tool, args, mcpCallTimeout)
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "success=%v content=%v\n", result.Success, result.Content)
}

func (r *REPL) printReport() {
	for i, action := range r.actionLog.Snapshot() {
		fmt.Fprintf(r.out, "%d. [%s] %s success=%v\n", i+1, action.Kind, action.Purpose, action.Success)
	}
}
