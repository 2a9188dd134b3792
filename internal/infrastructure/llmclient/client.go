// Package llmclient talks to a local Ollama-like inference service over
// HTTP: listing models and generating completions, both routed through the
// Resilience Middleware (spec.md §4.4).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/toolgw/gateway/internal/domain/entity"
	"github.com/toolgw/gateway/internal/infrastructure/middleware"
	gwerrors "github.com/toolgw/gateway/pkg/errors"
)

const (
	endpointTags     = "llm:tags"
	endpointGenerate = "llm:generate"

	defaultGenerateTimeout = 120 * time.Second
	defaultBulkheadClass   = "llm_generate"

	systemPreamble = "You are a tool-using assistant for a local-first gateway. Use the provided context and tools faithfully; do not invent information you were not given."
)

// GenerateOptions carries the sampling knobs passed through to /api/generate.
type GenerateOptions struct {
	Temperature float64
	NumCtx      int
}

// tagsResponse mirrors GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	} `json:"models"`
}

// generateRequest mirrors POST /api/generate.
type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// generateResponse mirrors the non-streaming /api/generate reply.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Client is a thin, connection-pooled HTTP client to the inference
// service, with model listing cached via the shared Pipeline cache.
type Client struct {
	baseURL  string
	http     *http.Client
	pipeline *middleware.Pipeline

	mu           sync.RWMutex
	currentModel string
}

// New builds a Client against baseURL (e.g. "http://127.0.0.1:11434"). The
// underlying http.Client reuses one connection pool across calls, released
// automatically by the standard transport once each response body is
// drained and closed.
func New(baseURL string, pipeline *middleware.Pipeline) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
		pipeline: pipeline,
	}
}

// ListModels returns the models the inference service currently serves,
// cached for 60s in the "ollama" named cache (spec.md §4.4).
func (c *Client) ListModels(ctx context.Context) ([]entity.ModelInfo, error) {
	opts := middleware.CallOptions{
		Endpoint:  endpointTags,
		ClientID:  "gateway",
		CacheName: middleware.CacheOllama,
		CacheKey:  "tags",
		Timeout:   10 * time.Second,
	}

	result, err := c.pipeline.Execute(ctx, opts, func(ctx context.Context) (interface{}, error) {
		return c.fetchTags(ctx)
	})
	if err != nil {
		return nil, err
	}
	models, ok := result.([]entity.ModelInfo)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindInternal, "unexpected result type from tags cache")
	}
	return models, nil
}

func (c *Client) fetchTags(ctx context.Context) ([]entity.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindLLMUnavailable, "failed to build tags request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindLLMUnavailable, "inference service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, gwerrors.New(gwerrors.KindLLMUnavailable, fmt.Sprintf("tags request returned status %d", resp.StatusCode))
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindLLMUnavailable, "malformed tags response", err)
	}

	models := make([]entity.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, entity.ModelInfo{Name: m.Name, Size: m.Size})
	}
	return models, nil
}

// CurrentModel returns the model name Generate will use when the caller
// does not override it.
func (c *Client) CurrentModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentModel
}

// SwitchModel changes the default model for subsequent Generate calls,
// after confirming the inference service actually serves it.
func (c *Client) SwitchModel(ctx context.Context, name string) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m.Name == name {
			c.mu.Lock()
			c.currentModel = name
			c.mu.Unlock()
			return nil
		}
	}
	return gwerrors.New(gwerrors.KindNotFound, fmt.Sprintf("model %q is not served by this instance", name))
}

// Generate composes a system prompt (the caller's, or the default preamble
// if system is empty), optional retrieved context, and the user prompt into
// one completion request, bulkhead- and circuit-breaker-wrapped (spec.md
// §4.4 — generate(prompt, system?, context?, model?)).
func (c *Client) Generate(ctx context.Context, userPrompt, system, retrievedContext, model string, sampling GenerateOptions) (string, error) {
	if model == "" {
		model = c.CurrentModel()
	}
	if model == "" {
		return "", gwerrors.New(gwerrors.KindConfiguration, "no model selected and none configured")
	}

	prompt := composePrompt(userPrompt, system, retrievedContext)

	opts := middleware.CallOptions{
		Endpoint:      endpointGenerate,
		ClientID:      "gateway",
		BulkheadClass: defaultBulkheadClass,
		Timeout:       defaultGenerateTimeout,
	}

	result, err := c.pipeline.Execute(ctx, opts, func(ctx context.Context) (interface{}, error) {
		return c.doGenerate(ctx, model, prompt, sampling)
	})
	if err != nil {
		return "", err
	}
	text, ok := result.(string)
	if !ok {
		return "", gwerrors.New(gwerrors.KindInternal, "unexpected result type from generate")
	}
	return text, nil
}

// composePrompt builds "system prompt + fenced context block (if non-empty)
// + user prompt" per spec.md §4.4. An empty system falls back to the
// default preamble; callers with their own system prompt (e.g. the Agent's
// Analyze step) override it entirely rather than appending to it.
func composePrompt(userPrompt, system, retrievedContext string) string {
	var b strings.Builder
	if strings.TrimSpace(system) != "" {
		b.WriteString(system)
	} else {
		b.WriteString(systemPreamble)
	}
	b.WriteString("\n\n")
	if strings.TrimSpace(retrievedContext) != "" {
		b.WriteString("Relevant context:\n```\n")
		b.WriteString(retrievedContext)
		b.WriteString("\n```\n\n")
	}
	b.WriteString(userPrompt)
	return b.String()
}

func (c *Client) doGenerate(ctx context.Context, model, prompt string, sampling GenerateOptions) (string, error) {
	body := generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": sampling.Temperature,
			"num_ctx":     sampling.NumCtx,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindInternal, "failed to marshal generate request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindLLMUnavailable, "failed to build generate request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", gwerrors.Wrap(gwerrors.KindLLMUnavailable, "inference service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", gwerrors.New(gwerrors.KindLLMUnavailable, fmt.Sprintf("generate request returned status %d: %s", resp.StatusCode, string(b)))
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", gwerrors.Wrap(gwerrors.KindLLMUnavailable, "malformed generate response", err)
	}
	return parsed.Response, nil
}
