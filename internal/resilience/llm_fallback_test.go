package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/sonavox/pkg/provider/llm"
	llmmock "github.com/MrWong99/sonavox/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{Response: llm.Completion{Text: "from primary"}}
	secondary := &llmmock.Provider{Response: llm.Completion{Text: "from secondary"}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "from primary" {
		t.Errorf("Text = %q, want %q", resp.Text, "from primary")
	}
	if secondary.Calls() != 0 {
		t.Errorf("secondary calls = %d, want 0", secondary.Calls())
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{Err: errProviderDown}
	secondary := &llmmock.Provider{Response: llm.Completion{Text: "from secondary", OutputTokens: 3}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "from secondary" {
		t.Errorf("Text = %q, want %q", resp.Text, "from secondary")
	}
	if resp.OutputTokens != 3 {
		t.Errorf("OutputTokens = %d, want 3", resp.OutputTokens)
	}
	if primary.Calls() != 1 || secondary.Calls() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.Calls(), secondary.Calls())
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{Err: errProviderDown}
	secondary := &llmmock.Provider{Err: errProviderDown}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
