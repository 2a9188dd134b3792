package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"github.com/toolgw/gateway/pkg/safego"
	"go.uber.org/zap"
)

// SessionState is one point in a ServerSession's lifecycle.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateReady        SessionState = "ready"
	StateDraining     SessionState = "draining"
	StateClosed       SessionState = "closed"
)

// validTransitions enumerates the only state changes a session may make.
// Any transition not listed here is a programming error, not a runtime one.
var validTransitions = map[SessionState][]SessionState{
	StateInitializing: {StateReady, StateClosed},
	StateReady:        {StateDraining, StateClosed},
	StateDraining:     {StateClosed},
	StateClosed:       {},
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultDrainGrace       = 5 * time.Second
	clientName              = "toolgw-gateway"
	clientVersion            = "0.1.0"
	protocolVersion          = "2024-11-05"
)

// ServerSession owns one tool server's child process, its stdio framing,
// and its advertised tool catalog. All exported methods are safe for
// concurrent use (spec.md §4.1, §5).
type ServerSession struct {
	spec   entity.ServerSpec
	logger *zap.Logger

	mu      sync.RWMutex
	state   SessionState
	cmd     *exec.Cmd
	framing *stdioFraming
	tools   []entity.ToolDescriptor

	nextID int64
	idMu   sync.Mutex
}

// NewSession constructs a session in the initializing state. Call Connect
// to spawn the child and complete the handshake.
func NewSession(spec entity.ServerSpec, logger *zap.Logger) *ServerSession {
	return &ServerSession{
		spec:   spec,
		logger: logger.With(zap.String("server", spec.Name)),
		state:  StateInitializing,
	}
}

func (s *ServerSession) setState(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return gwerrors.New(gwerrors.KindInternal, fmt.Sprintf("invalid session transition %s -> %s", s.state, next))
}

// State returns the session's current lifecycle state.
func (s *ServerSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connect spawns the child process, performs the initialize handshake, and
// populates the tool catalog via tools/list. On any failure the process is
// killed and the session moves to closed; the caller's registry treats this
// as a per-server failure that does not affect other servers (spec.md §7).
func (s *ServerSession) Connect(ctx context.Context) error {
	cmd := exec.CommandContext(context.Background(), s.spec.Command, s.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range s.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = nil

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = s.setState(StateClosed)
		return gwerrors.Wrap(gwerrors.KindSpawn, "failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = s.setState(StateClosed)
		return gwerrors.Wrap(gwerrors.KindSpawn, "failed to open stdout pipe", err)
	}

	if err := cmd.Start(); err != nil {
		_ = s.setState(StateClosed)
		return gwerrors.Wrap(gwerrors.KindSpawn, "failed to start server process", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.framing = newStdioFraming(stdin, stdout, s.logger)
	s.mu.Unlock()
	s.framing.onNotification(s.handleNotification)

	handshakeCtx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
	defer cancel()

	if err := s.handshake(handshakeCtx); err != nil {
		s.killAndClose()
		return err
	}

	if err := s.refreshTools(handshakeCtx); err != nil {
		s.killAndClose()
		return err
	}

	if err := s.setState(StateReady); err != nil {
		s.killAndClose()
		return err
	}

	safego.Go(s.logger, "session-wait-exit", func() { s.waitForExit() })
	return nil
}

func (s *ServerSession) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      InitializeClient{Name: clientName, Version: clientVersion},
		Capabilities:    map[string]any{},
	}
	req, err := NewRequest(s.allocateID(), MethodInitialize, params)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindHandshake, "failed to build initialize request", err)
	}

	resp, err := s.framing.send(ctx, req)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindHandshake, "initialize request failed", err)
	}
	if resp.Error != nil {
		return gwerrors.Wrap(gwerrors.KindHandshake, "server rejected initialize", resp.Error)
	}

	var result InitializeResult
	if err := resp.ParseResult(&result); err != nil {
		return gwerrors.Wrap(gwerrors.KindHandshake, "malformed initialize result", err)
	}

	notif, err := NewNotification(NotificationInitialized, nil)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindHandshake, "failed to build initialized notification", err)
	}
	if err := s.framing.sendNotification(notif); err != nil {
		return gwerrors.Wrap(gwerrors.KindHandshake, "failed to send initialized notification", err)
	}
	return nil
}

// refreshTools re-populates this session's tool catalog by calling
// tools/list. Held behind s.mu so ListTools never observes a half-written
// slice.
func (s *ServerSession) refreshTools(ctx context.Context) error {
	req, err := NewRequest(s.allocateID(), MethodToolsList, nil)
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindProtocol, "failed to build tools/list request", err)
	}
	resp, err := s.framing.send(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return gwerrors.Wrap(gwerrors.KindProtocol, "tools/list failed", resp.Error)
	}

	var result ToolsListResult
	if err := resp.ParseResult(&result); err != nil {
		return gwerrors.Wrap(gwerrors.KindProtocol, "malformed tools/list result", err)
	}

	descriptors := make([]entity.ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		descriptors = append(descriptors, entity.ToolDescriptor{
			ServerName:  s.spec.Name,
			ToolName:    t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	s.mu.Lock()
	s.tools = descriptors
	s.mu.Unlock()
	return nil
}

// Tools returns a snapshot of this session's current catalog.
func (s *ServerSession) Tools() []entity.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]entity.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Call issues a tools/call and returns a ToolResult whose Content is the
// text of the reply's content blocks, concatenated. Callers (the middleware pipeline) apply timeout/retry/circuit
// breaking around this; Call itself just does one request/response cycle.
func (s *ServerSession) Call(ctx context.Context, tool string, args map[string]interface{}) (*entity.ToolResult, error) {
	if s.State() != StateReady {
		return nil, gwerrors.New(gwerrors.KindTransport, "session is not ready")
	}

	start := time.Now()
	req, err := NewRequest(s.allocateID(), MethodToolsCall, ToolsCallParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindProtocol, "failed to build tools/call request", err)
	}

	resp, err := s.framing.send(ctx, req)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()

	if resp.Error != nil {
		return &entity.ToolResult{
			Success:    false,
			Error:      resp.Error.Error(),
			DurationMS: elapsed,
			ServerName: s.spec.Name,
			ToolName:   tool,
		}, gwerrors.Wrap(gwerrors.KindProtocol, "tool call returned an error", resp.Error)
	}

	var result ToolsCallResult
	if err := resp.ParseResult(&result); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindProtocol, "malformed tools/call result", err)
	}

	text := ""
	for _, block := range result.Content {
		text += block.Text
	}

	return &entity.ToolResult{
		Success:    !result.IsError,
		Content:    text,
		DurationMS: elapsed,
		ServerName: s.spec.Name,
		ToolName:   tool,
	}, nil
}

// Disconnect transitions the session through draining to closed, giving the
// child grace time to exit on its own before it is forcibly killed
// (spec.md §4.1 graceful shutdown, default grace 5s).
func (s *ServerSession) Disconnect(ctx context.Context) error {
	if err := s.setState(StateDraining); err != nil {
		// Already closed or never reached ready; nothing left to drain.
		return nil
	}

	s.mu.RLock()
	cmd := s.cmd
	framing := s.framing
	s.mu.RUnlock()

	if framing != nil {
		_ = framing.close()
	}

	exited := make(chan struct{})
	if cmd != nil && cmd.Process != nil {
		safego.Go(s.logger, "session-drain-wait", func() {
			_ = cmd.Wait()
			close(exited)
		})
	} else {
		close(exited)
	}

	grace := defaultDrainGrace
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < grace {
			grace = remaining
		}
	}

	select {
	case <-exited:
	case <-time.After(grace):
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-exited
	}

	if s.framing != nil {
		s.framing.failAllPending()
	}
	return s.setState(StateClosed)
}

func (s *ServerSession) killAndClose() {
	s.mu.RLock()
	cmd := s.cmd
	s.mu.RUnlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = s.setState(StateClosed)
}

// waitForExit observes an unprompted child exit (a crash) and moves the
// session straight to closed so the registry sees it as unavailable rather
// than hung.
func (s *ServerSession) waitForExit() {
	s.mu.RLock()
	cmd := s.cmd
	s.mu.RUnlock()
	if cmd == nil {
		return
	}
	_ = cmd.Wait()

	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateReady {
		s.logger.Warn("server process exited unexpectedly")
		if s.framing != nil {
			s.framing.failAllPending()
		}
		_ = s.setState(StateDraining)
		_ = s.setState(StateClosed)
	}
}

// handleNotification logs server-initiated notifications this gateway does
// not otherwise act on (e.g. tools/list_changed).
func (s *ServerSession) handleNotification(req *Request) {
	s.logger.Debug("notification from server", zap.String("method", req.Method))
}

func (s *ServerSession) allocateID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return s.nextID
}
