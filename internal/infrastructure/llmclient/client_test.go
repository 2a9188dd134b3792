package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toolgw/gateway/internal/infrastructure/middleware"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestPipeline() *middleware.Pipeline {
	return middleware.NewPipeline(
		middleware.NewRateLimit(1000, 1000),
		middleware.NewBulkhead(10),
		middleware.NewCircuitBreaker(5, time.Minute),
		middleware.NewRetry(time.Millisecond, 2, time.Millisecond*10, 2),
		middleware.NewCache(middleware.DefaultCacheSpecs(), time.Hour),
		middleware.NewMetrics(prometheus.NewRegistry()),
	)
}

func TestClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]interface{}{
				{"name": "llama3", "size": 123},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, newTestPipeline())
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestClient_SwitchModelRejectsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]interface{}{{"name": "llama3"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, newTestPipeline())
	if err := c.SwitchModel(context.Background(), "nonexistent"); gwerrors.KindOf(err) != gwerrors.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
	if err := c.SwitchModel(context.Background(), "llama3"); err != nil {
		t.Fatalf("expected switch to a served model to succeed: %v", err)
	}
	if c.CurrentModel() != "llama3" {
		t.Fatalf("expected current model to be llama3, got %q", c.CurrentModel())
	}
}

func TestClient_GenerateComposesPromptWithContext(t *testing.T) {
	var capturedPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		capturedPrompt, _ = body["prompt"].(string)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "hello", "done": true})
	}))
	defer srv.Close()

	c := New(srv.URL, newTestPipeline())
	out, err := c.Generate(context.Background(), "What is the weather?", "", "it is sunny", "llama3", GenerateOptions{Temperature: 0.2})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "hello" {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(capturedPrompt, "Relevant context:") || !strings.Contains(capturedPrompt, "it is sunny") {
		t.Fatalf("expected composed prompt to include fenced context, got: %q", capturedPrompt)
	}
	if !strings.Contains(capturedPrompt, "What is the weather?") {
		t.Fatalf("expected composed prompt to include user prompt, got: %q", capturedPrompt)
	}
}

func TestClient_GenerateUsesCallerSystemPromptInsteadOfDefault(t *testing.T) {
	var capturedPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		capturedPrompt, _ = body["prompt"].(string)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "{}", "done": true})
	}))
	defer srv.Close()

	c := New(srv.URL, newTestPipeline())
	_, err := c.Generate(context.Background(), "decide tool use", "You are a tool-call planner.", "", "llama3", GenerateOptions{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(capturedPrompt, "You are a tool-call planner.") {
		t.Fatalf("expected the caller-supplied system prompt in the composed prompt, got: %q", capturedPrompt)
	}
	if strings.Contains(capturedPrompt, systemPreamble) {
		t.Fatalf("expected the default preamble to be overridden, not appended, got: %q", capturedPrompt)
	}
}

func TestClient_GenerateWithoutContextOmitsBlock(t *testing.T) {
	var capturedPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		capturedPrompt, _ = body["prompt"].(string)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"response": "hi", "done": true})
	}))
	defer srv.Close()

	c := New(srv.URL, newTestPipeline())
	if _, err := c.Generate(context.Background(), "hello", "", "", "llama3", GenerateOptions{}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(capturedPrompt, "Relevant context:") {
		t.Fatalf("expected no context block when context is empty, got: %q", capturedPrompt)
	}
}

func TestClient_GenerateNoModelConfigured(t *testing.T) {
	c := New("http://127.0.0.1:1", newTestPipeline())
	_, err := c.Generate(context.Background(), "hi", "", "", "", GenerateOptions{})
	if gwerrors.KindOf(err) != gwerrors.KindConfiguration {
		t.Fatalf("expected KindConfiguration when no model is set, got %v", err)
	}
}
