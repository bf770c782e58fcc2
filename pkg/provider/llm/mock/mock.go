// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to feed controlled completions to the call
// orchestrator without a live LLM backend. All fields are safe to set before
// calling any method; mutating them during a concurrent call is the caller's
// responsibility.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sonavox/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause Complete to return zero values and a
// nil error. Set Err to inject an error, or Delay to simulate a slow backend.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete.
	Response llm.Completion

	// Err, if non-nil, is returned as the error from Complete.
	Err error

	// Delay, if non-nil, is invoked before returning. Returning a non-nil
	// error from it aborts the call with that error. Use it to block on a
	// channel or context to simulate latency.
	Delay func(ctx context.Context) error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns Response, Err.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.Completion, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	delay := p.Delay
	resp, err := p.Response, p.Err
	p.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return llm.Completion{}, derr
		}
	}
	return resp, err
}

// Calls returns the number of recorded Complete invocations. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
