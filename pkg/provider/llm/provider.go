// Package llm defines the Provider interface for language-model backends.
//
// One completion per conversational turn: system instruction plus retrieved
// context plus history plus the caller's new utterance in, reply text plus
// token usage out. Token counts feed per-call cost accounting, so providers
// must report them even when the backend marks them optional.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is a single entry in the conversation history.
type Message struct {
	// Role is one of "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything needed for one turn's generation.
type CompletionRequest struct {
	// SystemPrompt is the assistant's system instruction, with any
	// retrieved knowledge passages already appended.
	SystemPrompt string

	// Messages is the prior conversation history followed by the caller's
	// new utterance.
	Messages []Message

	// Model overrides the provider's configured model when non-empty, so
	// one deployment can serve assistants on different models.
	Model string

	// Temperature overrides the model default when > 0.
	Temperature float64

	// MaxTokens caps the reply length when > 0.
	MaxTokens int

	// Tools is the set of function definitions offered to the model for
	// this turn. Empty disables tool calling.
	Tools []Tool
}

// Tool describes one function the model may invoke during a turn.
type Tool struct {
	// Name is the function name the model calls the tool by.
	Name string

	// Description tells the model when the tool applies.
	Description string

	// Parameters is the JSON Schema describing the tool's input.
	Parameters map[string]any
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the backend-assigned call identifier.
	ID string

	// Name is the requested tool's name.
	Name string

	// Arguments is the raw JSON argument object produced by the model.
	Arguments string
}

// Completion is the result of one turn's generation.
type Completion struct {
	// Text is the reply to synthesize.
	Text string

	// InputTokens and OutputTokens are the usage counts for cost
	// accounting.
	InputTokens  int
	OutputTokens int

	// ToolCalls lists the tool invocations the model requested, if any.
	// A completion may carry tool calls alongside or instead of text.
	ToolCalls []ToolCall
}

// Provider is the abstraction over any language-model backend.
type Provider interface {
	// Complete generates the reply for one turn. Errors wrap
	// types.ErrUpstream; context expiry is treated like any other turn
	// failure by the caller.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}
