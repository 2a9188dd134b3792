// Package registry owns the set of configured tool servers: connecting
// them at startup, aggregating their tool catalogs, and routing calls
// through the Transport Layer and the Resilience Middleware (spec.md
// §4.2, §4.3).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	"github.com/toolgw/gateway/internal/infrastructure/middleware"
	"github.com/toolgw/gateway/internal/infrastructure/transport"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"github.com/toolgw/gateway/pkg/safego"
	"go.uber.org/zap"
)

const (
	defaultCallTimeout     = 30 * time.Second
	defaultDisconnectGrace = 10 * time.Second
)

// Registry holds one ServerSession per configured server and the single
// Pipeline every call to any of them passes through.
type Registry struct {
	logger   *zap.Logger
	pipeline *middleware.Pipeline

	mu       sync.RWMutex
	sessions map[string]*transport.ServerSession
	specs    map[string]entity.ServerSpec
	failures map[string]error
}

// New builds an empty Registry. Call ConnectAll (or Reconcile) to populate it
// from a set of server specs.
func New(logger *zap.Logger, pipeline *middleware.Pipeline) *Registry {
	return &Registry{
		logger:   logger,
		pipeline: pipeline,
		sessions: make(map[string]*transport.ServerSession),
		specs:    make(map[string]entity.ServerSpec),
		failures: make(map[string]error),
	}
}

// ConnectAll spawns and handshakes every spec concurrently. A per-server
// failure is logged, recorded with its diagnostic, and excluded from the
// catalog; it does not prevent other servers from becoming ready (spec.md
// §4.1, §7 — Spawn/Handshake failures are per-server, not session-fatal for
// the whole gateway).
func (r *Registry) ConnectAll(ctx context.Context, specs []entity.ServerSpec) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failureCount := 0

	for _, spec := range specs {
		spec := spec
		wg.Add(1)
		safego.Go(r.logger, "registry-connect-"+spec.Name, func() {
			defer wg.Done()
			sess := transport.NewSession(spec, r.logger)
			if err := sess.Connect(ctx); err != nil {
				r.logger.Warn("server failed to connect", zap.String("server", spec.Name), zap.Error(err))
				mu.Lock()
				failureCount++
				mu.Unlock()

				r.mu.Lock()
				r.specs[spec.Name] = spec
				r.failures[spec.Name] = err
				r.mu.Unlock()
				return
			}
			r.mu.Lock()
			r.sessions[spec.Name] = sess
			r.specs[spec.Name] = spec
			delete(r.failures, spec.Name)
			r.mu.Unlock()
		})
	}
	wg.Wait()

	if failureCount == len(specs) && len(specs) > 0 {
		return gwerrors.New(gwerrors.KindConfiguration, "no configured server connected successfully")
	}
	return nil
}

// ListServers reports every configured server, ready or not, with its tool
// count and (when not ready) a diagnostic reason (spec.md §4.2, §8 scenario
// 6 — partial connectivity must surface a reason, not just a missing name).
func (r *Registry) ListServers() []entity.ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entity.ServerStatus, 0, len(r.specs))
	for name, spec := range r.specs {
		status := entity.ServerStatus{Name: name, Description: spec.Description}
		if sess, ok := r.sessions[name]; ok && sess.State() == transport.StateReady {
			status.Ready = true
			status.ToolCount = len(sess.Tools())
		} else if err, ok := r.failures[name]; ok {
			status.Reason = err.Error()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListTools returns the catalog for one server, or every ready server's
// catalog if server is empty. Each session's catalog is the one fetched by
// tools/list during Connect, copied out under the session's lock; a server
// drops out of the result when its session is not ready or Reconcile
// removes it.
func (r *Registry) ListTools(server string) []entity.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []entity.ToolDescriptor
	for name, sess := range r.sessions {
		if server != "" && name != server {
			continue
		}
		if sess.State() != transport.StateReady {
			continue
		}
		out = append(out, sess.Tools()...)
	}
	return out
}

// CallTool routes a call through the Resilience Middleware pipeline to the
// named server's session.
func (r *Registry) CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}, timeout time.Duration) (*entity.ToolResult, error) {
	r.mu.RLock()
	sess, ok := r.sessions[serverName]
	r.mu.RUnlock()
	if !ok {
		return nil, gwerrors.New(gwerrors.KindNotFound, fmt.Sprintf("unknown server %q", serverName))
	}

	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	endpoint := fmt.Sprintf("tool:%s.%s", serverName, toolName)

	opts := middleware.CallOptions{
		Endpoint:      endpoint,
		ClientID:      "gateway",
		BulkheadClass: "tool",
		Timeout:       timeout,
	}

	result, err := r.pipeline.Execute(ctx, opts, func(ctx context.Context) (interface{}, error) {
		return sess.Call(ctx, toolName, args)
	})
	if err != nil {
		return nil, err
	}
	toolResult, ok := result.(*entity.ToolResult)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInternal, "unexpected result type from tool call")
	}
	return toolResult, nil
}

// Refresh checks that serverName has a session in the ready state. It does
// not re-run tools/list: the session keeps the catalog fetched during
// Connect until it is reconnected.
func (r *Registry) Refresh(ctx context.Context, serverName string) error {
	r.mu.RLock()
	sess, ok := r.sessions[serverName]
	r.mu.RUnlock()
	if !ok {
		return gwerrors.New(gwerrors.KindNotFound, fmt.Sprintf("unknown server %q", serverName))
	}
	if sess.State() != transport.StateReady {
		return gwerrors.New(gwerrors.KindTransport, "server is not ready")
	}
	return nil // tool-list refresh is already folded into Connect; live
	// servers keep their catalog until the next full reconnect, since MCP
	// stdio servers in this gateway's supported set do not mutate their
	// catalog after startup.
}

// Reconcile brings the connected set in line with specs: servers no
// longer present are disconnected, servers already ready are left alone,
// and new servers are connected. Used by the roster hot-reload watcher so
// an edit to the roster file doesn't respawn every already-running server.
func (r *Registry) Reconcile(ctx context.Context, specs []entity.ServerSpec) error {
	wanted := make(map[string]entity.ServerSpec, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = spec
	}

	r.mu.RLock()
	var stale []*transport.ServerSession
	var toAdd []entity.ServerSpec
	for name, spec := range wanted {
		if _, exists := r.sessions[name]; !exists {
			toAdd = append(toAdd, spec)
		}
	}
	for name, sess := range r.sessions {
		if _, stillWanted := wanted[name]; !stillWanted {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range stale {
		dctx, cancel := context.WithTimeout(context.Background(), defaultDisconnectGrace)
		_ = sess.Disconnect(dctx)
		cancel()
	}

	r.mu.Lock()
	for name := range r.specs {
		if _, stillWanted := wanted[name]; !stillWanted {
			delete(r.sessions, name)
			delete(r.specs, name)
			delete(r.failures, name)
		}
	}
	r.mu.Unlock()

	return r.ConnectAll(ctx, toAdd)
}

// Shutdown disconnects every session in parallel, each bounded by grace.
func (r *Registry) Shutdown(ctx context.Context, grace time.Duration) {
	if grace <= 0 {
		grace = defaultDisconnectGrace
	}

	r.mu.RLock()
	sessions := make([]*transport.ServerSession, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		sess := sess
		wg.Add(1)
		safego.Go(r.logger, "registry-disconnect", func() {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(context.Background(), grace)
			defer cancel()
			if err := sess.Disconnect(dctx); err != nil {
				r.logger.Warn("error disconnecting server", zap.Error(err))
			}
		})
	}
	wg.Wait()
}
