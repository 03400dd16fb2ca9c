package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/forgeworks/forge/pkg/config"
	"github.com/forgeworks/forge/pkg/models"
)

func TestHTTPProviderExecute(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"the design"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "sk-test", "test-model")
	result, err := p.Execute(context.Background(), models.RoleArchitect, "build a thing")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result != "the design" {
		t.Errorf("result = %q, want %q", result, "the design")
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestHTTPProviderStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   FailureClass
	}{
		{"server error is agent class", http.StatusInternalServerError, FailureAgent},
		{"bad gateway is agent class", http.StatusBadGateway, FailureAgent},
		{"bad request is task class", http.StatusBadRequest, FailureTask},
		{"unauthorized is task class", http.StatusUnauthorized, FailureTask},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := NewHTTPProvider(srv.URL, "", "m")
			_, err := p.Execute(context.Background(), models.RoleBackend, "x")
			if err == nil {
				t.Fatal("Execute() = nil, want error")
			}
			if got := Classify(err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHTTPProviderTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := NewHTTPProvider(srv.URL, "", "m")
	_, err := p.Execute(ctx, models.RoleBackend, "x")
	if err == nil {
		t.Fatal("Execute() = nil, want timeout error")
	}
	if got := Classify(err); got != FailureTimeout {
		t.Errorf("Classify() = %s, want timeout", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"deadline exceeded", context.DeadlineExceeded, FailureTimeout},
		{"wrapped deadline", fmt.Errorf("attempt: %w", context.DeadlineExceeded), FailureTimeout},
		{"agent execution error", NewExecutionError(FailureAgent, errors.New("broken")), FailureAgent},
		{"task execution error", NewExecutionError(FailureTask, errors.New("rejected")), FailureTask},
		{"wrapped execution error", fmt.Errorf("outer: %w", NewExecutionError(FailureAgent, errors.New("x"))), FailureAgent},
		{"plain error defaults to task", errors.New("whatever"), FailureTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegistryActiveRouting(t *testing.T) {
	r := NewRegistry()
	if err := r.LoadAll([]config.Provider{
		{ID: "disabled", Type: "mock", Enabled: false},
		{ID: "active", Type: "mock", Enabled: true},
	}); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	active, err := r.Active()
	if err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if active.Config.ID != "active" {
		t.Errorf("Active().ID = %s, want active", active.Config.ID)
	}

	result, err := r.Execute(context.Background(), models.RoleQA, "check")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result == "" {
		t.Error("Execute() returned empty result")
	}
}

func TestRegistryNoActiveProvider(t *testing.T) {
	r := NewRegistry()
	r.Upsert(config.Provider{ID: "p1", Type: "mock", Enabled: false})

	_, err := r.Execute(context.Background(), models.RoleQA, "check")
	if err == nil {
		t.Fatal("Execute() with no enabled provider = nil, want error")
	}
	if Classify(err) != FailureAgent {
		t.Errorf("Classify() = %s, want agent", Classify(err))
	}
}

func TestRegistryUpsertAndToggle(t *testing.T) {
	r := NewRegistry()
	if err := r.Upsert(config.Provider{ID: "p1", Type: "bogus"}); err == nil {
		t.Error("Upsert() with unknown type = nil, want error")
	}

	if err := r.Upsert(config.Provider{ID: "p1", Type: "mock", Enabled: true}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := r.SetEnabled("p1", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}
	if _, err := r.Active(); err == nil {
		t.Error("Active() after disable = nil error, want error")
	}

	if err := r.Unregister("p1"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if err := r.Unregister("p1"); err == nil {
		t.Error("second Unregister() = nil, want error")
	}
}
