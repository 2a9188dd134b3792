package transport

import (
	"context"
	"testing"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"go.uber.org/zap"
)

// fakeServerScript is a tiny shell program that speaks just enough MCP to
// exercise ServerSession: it answers initialize and tools/list with fixed
// payloads and echoes back whatever arguments a tools/call supplies.
const fakeServerScript = `
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake"}}}\n'
      ;;
    *'"method":"tools/list"'*)
      printf '{"jsonrpc":"2.0","id":2,"result":{"tools":[{"name":"echo","description":"echoes input","inputSchema":{"type":"object"}}]}}\n'
      ;;
    *'"method":"tools/call"'*)
      printf '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"ok"}],"isError":false}}\n'
      ;;
  esac
done
`

func newFakeSpec(t *testing.T) entity.ServerSpec {
	t.Helper()
	return entity.ServerSpec{
		Name:    "fake",
		Command: "sh",
		Args:    []string{"-c", fakeServerScript},
	}
}

func TestServerSession_ConnectAndCall(t *testing.T) {
	logger := zap.NewNop()
	sess := NewSession(newFakeSpec(t), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("expected state ready, got %s", sess.State())
	}

	tools := sess.Tools()
	if len(tools) != 1 || tools[0].ToolName != "echo" {
		t.Fatalf("unexpected tool catalog: %+v", tools)
	}
	if got := tools[0].Endpoint(); got != "tool:fake.echo" {
		t.Fatalf("unexpected endpoint: %s", got)
	}

	result, err := sess.Call(ctx, "echo", map[string]interface{}{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !result.Success || result.Content != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}

	disconnectCtx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	if err := sess.Disconnect(disconnectCtx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected state closed, got %s", sess.State())
	}
}

func TestServerSession_ConnectSpawnFailure(t *testing.T) {
	logger := zap.NewNop()
	spec := entity.ServerSpec{Name: "missing", Command: "/no/such/binary-xyz"}
	sess := NewSession(spec, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := sess.Connect(ctx)
	if err == nil {
		t.Fatal("expected Connect to fail for a nonexistent command")
	}
	if gwerrors.KindOf(err) != gwerrors.KindSpawn {
		t.Fatalf("expected KindSpawn, got %s", gwerrors.KindOf(err))
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected state closed after failed spawn, got %s", sess.State())
	}
}

func TestServerSession_CallBeforeReadyFails(t *testing.T) {
	logger := zap.NewNop()
	sess := NewSession(newFakeSpec(t), logger)

	_, err := sess.Call(context.Background(), "echo", nil)
	if err == nil {
		t.Fatal("expected Call on an unconnected session to fail")
	}
	if gwerrors.KindOf(err) != gwerrors.KindTransport {
		t.Fatalf("expected KindTransport, got %s", gwerrors.KindOf(err))
	}
}
