// Package provider is the LLM execution boundary. The orchestration core
// hands it (role, payload) and gets back an opaque result or a classified
// failure; credentials and endpoint routing live entirely here.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/forgeworks/forge/pkg/models"
)

// Provider executes one task attempt for a role.
type Provider interface {
	// Execute runs the capability call. Failures should be returned as
	// *ExecutionError so the executor can classify them.
	Execute(ctx context.Context, role models.Role, payload string) (string, error)
}

// ChatMessage is one message in an OpenAI-compatible chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Index   int         `json:"index"`
		Message ChatMessage `json:"message"`
		Finish  string      `json:"finish_reason"`
	} `json:"choices"`
}

// rolePrompts seeds the system message per agent specialization.
var rolePrompts = map[models.Role]string{
	models.RoleArchitect: "You are a software architect. Produce a concise technical design for the request.",
	models.RoleBackend:   "You are a backend developer. Implement the requested server-side functionality.",
	models.RoleFrontend:  "You are a frontend developer. Implement the requested user interface.",
	models.RoleDatabase:  "You are a database engineer. Design schemas and queries for the request.",
	models.RoleDevOps:    "You are a devops engineer. Produce deployment and infrastructure configuration.",
	models.RoleQA:        "You are a QA engineer. Write tests and report defects for the request.",
	models.RoleSecurity:  "You are a security engineer. Audit the request and report vulnerabilities.",
	models.RoleWriter:    "You are a technical writer. Produce documentation for the request.",
}

// HTTPProvider speaks an OpenAI-compatible chat completion endpoint
// (OpenRouter, Ollama's /v1 surface, or any local gateway).
type HTTPProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPProvider creates a provider for the given endpoint and model. The
// HTTP client carries no timeout of its own; the executor bounds each call
// through the context.
func NewHTTPProvider(endpoint, apiKey, model string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{},
	}
}

// Execute sends one chat completion request and returns the first choice.
func (p *HTTPProvider) Execute(ctx context.Context, role models.Role, payload string) (string, error) {
	req := chatRequest{
		Model: p.model,
		Messages: []ChatMessage{
			{Role: "system", Content: rolePrompts[role]},
			{Role: "user", Content: payload},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", NewExecutionError(FailureTask, fmt.Errorf("failed to marshal request: %w", err))
	}

	url := p.endpoint + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", NewExecutionError(FailureAgent, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", NewExecutionError(FailureTimeout, ctx.Err())
		}
		return "", NewExecutionError(FailureAgent, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", NewExecutionError(FailureAgent, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return "", NewExecutionError(FailureAgent, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	default:
		return "", NewExecutionError(FailureTask, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", NewExecutionError(FailureAgent, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return "", NewExecutionError(FailureAgent, fmt.Errorf("response contained no choices"))
	}
	return chat.Choices[0].Message.Content, nil
}

// MockProvider is a scriptable Provider for tests and dry runs.
type MockProvider struct {
	// Result is returned on success. When Fail is non-nil, Execute returns
	// it instead.
	Result string
	Fail   error
	// Delay holds Execute for the duration, honoring context cancellation.
	Delay time.Duration

	calls atomic.Int64
}

// CallCount returns how many times Execute has been invoked.
func (m *MockProvider) CallCount() int {
	return int(m.calls.Load())
}

// Execute returns the scripted result or error.
func (m *MockProvider) Execute(ctx context.Context, role models.Role, payload string) (string, error) {
	m.calls.Add(1)
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", NewExecutionError(FailureTimeout, ctx.Err())
		}
	}
	if m.Fail != nil {
		return "", m.Fail
	}
	if m.Result != "" {
		return m.Result, nil
	}
	return fmt.Sprintf("%s: done", role), nil
}
