// Package tools implements assistant-side function tools that forward a
// structured payload to an operator webhook. An assistant declares the
// fields a tool collects; the model fills them during the conversation
// and the dispatcher validates and delivers the result.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/sonavox/pkg/types"
)

// defaultTimeout bounds a single webhook delivery.
const defaultTimeout = 10 * time.Second

// Definition describes one webhook-backed tool an assistant exposes to
// its language model.
type Definition struct {
	// Name is the function name offered to the model.
	Name string

	// Description tells the model what the tool is for and when to
	// call it.
	Description string

	// Parameters maps field names to their descriptions. Every field
	// is a string in the generated schema.
	Parameters map[string]string

	// Required lists the fields that must be present and non-empty in
	// a call's arguments.
	Required []string

	// WebhookURL is where the collected payload is posted.
	WebhookURL string
}

// Schema renders the definition's parameters as a JSON Schema object
// suitable for a function-calling request.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	for name, desc := range d.Parameters {
		props[name] = map[string]any{
			"type":        "string",
			"description": desc,
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(d.Required) > 0 {
		req := make([]string, len(d.Required))
		copy(req, d.Required)
		sort.Strings(req)
		schema["required"] = req
	}
	return schema
}

// Dispatcher validates tool-call arguments and delivers them to the
// tool's webhook. A single Dispatcher is shared across calls.
type Dispatcher struct {
	client *http.Client
}

// NewDispatcher constructs a Dispatcher. A non-positive timeout falls
// back to the default delivery bound.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch parses the model-produced arguments for def, checks the
// required fields and posts the payload to the tool's webhook. Argument
// and validation problems wrap types.ErrData; delivery problems wrap
// types.ErrUpstream.
func (d *Dispatcher) Dispatch(ctx context.Context, def Definition, arguments string) error {
	var payload map[string]any
	if err := json.Unmarshal([]byte(arguments), &payload); err != nil {
		return fmt.Errorf("tools: %s: malformed arguments: %w: %w", def.Name, err, types.ErrData)
	}

	var missing []string
	for _, field := range def.Required {
		v, ok := payload[field]
		if !ok {
			missing = append(missing, field)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("tools: %s: missing required fields %s: %w",
			def.Name, strings.Join(missing, ", "), types.ErrData)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("tools: %s: encode payload: %w: %w", def.Name, err, types.ErrData)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tools: %s: build request: %w: %w", def.Name, err, types.ErrConfiguration)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("tools: %s: deliver: %w: %w", def.Name, err, types.ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("tools: %s: webhook returned status %d: %w",
			def.Name, resp.StatusCode, types.ErrUpstream)
	}
	return nil
}
