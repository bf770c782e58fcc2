package callsession

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/sonavox/internal/records"
	"github.com/MrWong99/sonavox/internal/tools"
	"github.com/MrWong99/sonavox/pkg/audio/mulaw"
	"github.com/MrWong99/sonavox/pkg/provider/llm"
	"github.com/MrWong99/sonavox/pkg/types"
)

// knowledgeTopK is the number of retrieved passages injected into the
// system prompt per turn.
const knowledgeTopK = 3

// handleUtteranceAudio is the segmented-mode entry point: transcribe the
// utterance as one batch request, then run the turn on the text.
func (s *Session) handleUtteranceAudio(utt types.Utterance) {
	if s.State() == StateTerminated {
		return
	}
	s.ledger.AddSTTAudio(utt.Duration())

	ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.cfg.STT.Transcribe(ctx, mulaw.WAVContainer(mulaw.Decode(utt.Audio)))
	s.metrics.STTDuration.Record(s.ctx, time.Since(start).Seconds())
	if err != nil {
		s.log.Warn("batch transcription failed, utterance lost", "error", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}
	s.runTurn(text)
}

// runTurn executes one conversational turn for the caller text. If a turn
// is already in flight the utterance is dropped and counted; it is never
// queued behind the active turn.
func (s *Session) runTurn(text string) {
	if s.State() == StateTerminated {
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.metrics.DroppedUtterances.Add(s.ctx, 1,
			metric.WithAttributes(attribute.String("assistant", s.cfg.Assistant)))
		s.log.Debug("utterance dropped, turn in flight", "text_len", len(text))
		return
	}
	defer s.busy.Store(false)

	turnStart := time.Now()
	s.state.Store(int32(StateProcessing))
	defer func() {
		if s.State() != StateTerminated {
			s.state.Store(int32(StateIdle))
		}
	}()

	s.appendTurn("caller", text)

	req := llm.CompletionRequest{
		SystemPrompt: s.promptWithKnowledge(text),
		Messages:     s.historySnapshot(),
		Model:        s.cfg.LLMModel,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
		Tools:        s.toolSet(),
	}

	ctx, cancel := context.WithTimeout(s.ctx, completionTimeout)
	llmStart := time.Now()
	reply, err := s.cfg.LLM.Complete(ctx, req)
	cancel()
	s.metrics.LLMDuration.Record(s.ctx, time.Since(llmStart).Seconds())
	if err != nil {
		s.log.Warn("completion failed, turn abandoned", "error", err)
		return
	}
	s.ledger.AddLLMTokens(reply.InputTokens, reply.OutputTokens)

	if len(reply.ToolCalls) > 0 {
		s.dispatchToolCalls(reply.ToolCalls)
	}
	if strings.TrimSpace(reply.Text) == "" {
		if len(reply.ToolCalls) == 0 {
			s.log.Warn("completion returned empty reply, turn abandoned")
			return
		}
		// A tool-only completion has nothing to speak. The turn still
		// counts; the caller hears the next model reply.
		s.mu.Lock()
		s.turnCount++
		s.mu.Unlock()
		return
	}

	s.state.Store(int32(StateSpeaking))
	if err := s.speak(reply.Text, turnStart); err != nil {
		s.log.Warn("synthesis failed, turn abandoned", "error", err)
		return
	}

	s.appendTurn("assistant", reply.Text)
	s.metrics.TurnDuration.Record(s.ctx, time.Since(turnStart).Seconds())

	s.mu.Lock()
	s.turnCount++
	s.mu.Unlock()
}

// speak streams the reply through synthesis into the paced frame queue and
// waits for the queue to drain so the busy flag covers the audible reply.
// turnStart is used for the time-to-first-audio measurement.
func (s *Session) speak(text string, turnStart time.Time) error {
	ctx, cancel := context.WithTimeout(s.ctx, synthesisTimeout)
	defer cancel()

	synthStart := time.Now()
	firstChunk := true
	err := s.cfg.TTS.SynthesizeStream(ctx, text, s.cfg.Voice, func(chunk []byte) error {
		if firstChunk {
			firstChunk = false
			s.metrics.TTSFirstAudio.Record(s.ctx, time.Since(synthStart).Seconds())
		}
		s.frames.Push(chunk)
		return nil
	})
	s.metrics.TTSDuration.Record(s.ctx, time.Since(synthStart).Seconds())
	if err != nil {
		s.frames.Drop()
		return err
	}
	s.ledger.AddTTSChars(len(text))
	s.frames.Flush()

	// The drain gets its own bound derived from how much audio is actually
	// queued. A reply longer than the synthesis timeout still plays out
	// fully before the busy flag releases the next turn.
	s.waitDrained(s.frames.QueuedDuration() + drainGrace)
	return nil
}

// speakGreeting renders the scripted opening line whole-buffer and queues
// it for paced emission. A failed greeting is logged and skipped; the call
// proceeds to listening either way.
func (s *Session) speakGreeting(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	audio, err := s.cfg.TTS.Synthesize(sctx, s.cfg.Greeting, s.cfg.Voice)
	if err != nil {
		s.log.Warn("greeting synthesis failed", "error", err)
		return
	}
	s.ledger.AddTTSChars(len(s.cfg.Greeting))
	s.frames.Push(audio)
	s.frames.Flush()
	s.appendTurn("assistant", s.cfg.Greeting)
}

// promptWithKnowledge returns the system prompt, extended with retrieved
// passages when a knowledge store and embeddings provider are configured.
// Retrieval failures degrade to the plain prompt.
func (s *Session) promptWithKnowledge(query string) string {
	if s.cfg.Knowledge == nil || s.cfg.Embeddings == nil {
		return s.cfg.SystemPrompt
	}

	ctx, cancel := context.WithTimeout(s.ctx, knowledgeTimeout)
	defer cancel()

	vec, err := s.cfg.Embeddings.Embed(ctx, query)
	if err != nil {
		s.log.Warn("query embedding failed, retrieval skipped", "error", err)
		return s.cfg.SystemPrompt
	}
	results, err := s.cfg.Knowledge.Search(ctx, vec, knowledgeTopK)
	if err != nil {
		s.log.Warn("knowledge search failed, retrieval skipped", "error", err)
		return s.cfg.SystemPrompt
	}
	if len(results) == 0 {
		return s.cfg.SystemPrompt
	}

	var b strings.Builder
	b.WriteString(s.cfg.SystemPrompt)
	b.WriteString("\n\nRelevant reference material:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %s\n", r.Title, r.Content)
	}
	return b.String()
}

// appendTurn records one transcript entry in the in-memory history and, when
// a store is configured, in the persistent transcript. History is trimmed to
// the most recent maxHistoryMessages entries.
func (s *Session) appendTurn(role, text string) {
	msgRole := "user"
	if role == "assistant" {
		msgRole = "assistant"
	}

	s.mu.Lock()
	s.history = append(s.history, llm.Message{Role: msgRole, Content: text})
	if len(s.history) > maxHistoryMessages {
		s.history = s.history[len(s.history)-maxHistoryMessages:]
	}
	s.mu.Unlock()

	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.cfg.Store.AppendTurn(ctx, records.Turn{
		CallID: s.cfg.CallID,
		Role:   role,
		Text:   text,
		At:     time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("transcript append failed", "role", role, "error", err)
	}
}

// toolSet maps the configured tool definitions onto the completion request
// shape. Nil when no dispatcher is available, so a misconfigured profile
// never offers tools it cannot deliver.
func (s *Session) toolSet() []llm.Tool {
	if s.cfg.Dispatcher == nil || len(s.cfg.Tools) == 0 {
		return nil
	}
	out := make([]llm.Tool, 0, len(s.cfg.Tools))
	for _, def := range s.cfg.Tools {
		out = append(out, llm.Tool{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Schema(),
		})
	}
	return out
}

// dispatchToolCalls delivers each requested tool call to its webhook. A
// failed delivery is logged and recorded; it never abandons the turn or
// tears down the call.
func (s *Session) dispatchToolCalls(calls []llm.ToolCall) {
	for _, call := range calls {
		def, ok := s.toolByName(call.Name)
		if !ok {
			s.log.Warn("model requested unknown tool", "tool", call.Name)
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, toolTimeout)
		err := s.cfg.Dispatcher.Dispatch(ctx, def, call.Arguments)
		cancel()

		outcome := "delivered"
		if err != nil {
			outcome = "failed"
			s.log.Warn("tool delivery failed", "tool", call.Name, "error", err)
		} else {
			s.log.Info("tool delivered", "tool", call.Name)
		}
		s.recordToolCall(call.Name, outcome)
	}
}

// toolByName finds the configured definition for a model-requested tool.
func (s *Session) toolByName(name string) (tools.Definition, bool) {
	for _, def := range s.cfg.Tools {
		if def.Name == name {
			return def, true
		}
	}
	return tools.Definition{}, false
}

// recordToolCall notes a tool invocation in the persistent transcript. It
// stays out of the model-facing history.
func (s *Session) recordToolCall(name, outcome string) {
	if s.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.cfg.Store.AppendTurn(ctx, records.Turn{
		CallID: s.cfg.CallID,
		Role:   "tool",
		Text:   fmt.Sprintf("%s: %s", name, outcome),
		At:     time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("transcript append failed", "role", "tool", "error", err)
	}
}

// historySnapshot copies the current history for a completion request.
func (s *Session) historySnapshot() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// waitDrained blocks until the frame queue has been fully emitted, the bound
// elapses, or the session ends.
func (s *Session) waitDrained(bound time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, bound)
	defer cancel()

	ticker := time.NewTicker(types.FrameInterval)
	defer ticker.Stop()
	for {
		if s.frames.Empty() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
