// Package callsession orchestrates one live phone call: inbound caller audio
// in, assistant reply audio out, one conversational turn at a time.
//
// A session owns all per-call state. Caller frames arrive through
// [Session.HandleFrame] and reach the recognizer either as a continuous
// stream or as segmenter-bounded utterances, depending on the configured
// transcription mode. Each completed utterance drives the turn pipeline:
// transcription, optional knowledge retrieval, language-model completion,
// and streaming synthesis mixed against the call's ambience bed. Outbound
// audio is paced at one frame per [types.FrameInterval] so the transport
// never receives a burst.
//
// Overlapping caller turns are resolved by dropping: while a turn is in
// flight, a new utterance is discarded and counted, never queued. A failed
// turn returns the session to Idle and the call stays up.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/internal/pricing"
	"github.com/MrWong99/sonavox/internal/records"
	"github.com/MrWong99/sonavox/internal/tools"
	"github.com/MrWong99/sonavox/pkg/audio/mixer"
	"github.com/MrWong99/sonavox/pkg/audio/segmenter"
	"github.com/MrWong99/sonavox/pkg/provider/embeddings"
	"github.com/MrWong99/sonavox/pkg/provider/llm"
	"github.com/MrWong99/sonavox/pkg/provider/stt"
	"github.com/MrWong99/sonavox/pkg/provider/tts"
	"github.com/MrWong99/sonavox/pkg/types"
)

// Stage timeouts. A turn that blows one of these is abandoned and the
// session returns to Idle; the call itself is never torn down for a slow
// provider.
const (
	transcribeTimeout = 15 * time.Second
	knowledgeTimeout  = 5 * time.Second
	completionTimeout = 20 * time.Second
	synthesisTimeout  = 30 * time.Second
	toolTimeout       = 10 * time.Second
)

// drainGrace is the slack added on top of the queued playout time when
// waiting for a reply to finish emitting.
const drainGrace = 5 * time.Second

// maxHistoryMessages bounds the conversation history sent to the model.
// Older turns fall off the front; the system prompt is never trimmed.
const maxHistoryMessages = 24

// Mode selects how caller speech is turned into text for this session.
type Mode string

const (
	// ModeStreaming forwards every inbound frame to a live recognizer
	// session and lets its endpointing close each utterance.
	ModeStreaming Mode = "streaming"

	// ModeSegmented buffers bounded utterances with the local energy
	// segmenter and submits each as one batch transcription request.
	ModeSegmented Mode = "segmented"
)

// State is the session lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateIdle
	StateListening
	StateProcessing
	StateSpeaking
	StateTerminated
)

// String returns the lowercase state name for logs.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// EmitFunc delivers one outbound μ-law frame to the transport. It is called
// from the session's pacing goroutine, once per frame interval. Returning an
// error terminates the call.
type EmitFunc func(frame []byte) error

// Summary describes a finished call, passed to the OnCallEnd hook.
type Summary struct {
	CallID    string
	Assistant string
	Reason    string
	Duration  time.Duration
	Turns     int
	Cost      pricing.Cost
}

// Config holds everything a session needs. Emit, STT, LLM, and TTS are
// required; the rest degrade gracefully when absent.
type Config struct {
	// CallID is the transport-assigned call identifier.
	CallID string

	// CallerNumber is the caller's number, if the transport supplied one.
	CallerNumber string

	// Assistant is the assistant profile name, used for records and logs.
	Assistant string

	// Greeting, when non-empty, is synthesized whole-buffer during Start
	// and spoken before the caller says anything.
	Greeting string

	// SystemPrompt is the persona instruction for every completion.
	SystemPrompt string

	// Voice is the synthesis voice for this call.
	Voice tts.VoiceProfile

	// LLMModel, Temperature, and MaxTokens override the language-model
	// provider's defaults for this call. Zero values keep the defaults.
	LLMModel    string
	Temperature float64
	MaxTokens   int

	// Mode selects streaming or segmented transcription. Empty defaults
	// to streaming.
	Mode Mode

	// Segmenter tunes the energy segmenter in segmented mode.
	Segmenter segmenter.Config

	// Bed is the looping ambience bed mixed under all outbound audio.
	// Nil disables mixing. BedVolume scales it in [0, 1].
	Bed       []byte
	BedVolume float64

	// MaxCallDuration terminates the call when exceeded. Zero means no
	// limit.
	MaxCallDuration time.Duration

	// Tools lists the webhook-backed function tools offered to the model.
	// Requires Dispatcher; empty disables tool calling for this call.
	Tools []tools.Definition

	// Dispatcher validates and delivers tool calls. Shared across calls.
	Dispatcher *tools.Dispatcher

	// Emit sends one outbound frame to the transport.
	Emit EmitFunc

	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider

	// Store persists the call record and transcript. Nil disables
	// persistence; the call still runs.
	Store records.ConversationStore

	// Knowledge supplies retrieved passages for completions. Requires
	// Embeddings; nil (either one) skips retrieval.
	Knowledge records.KnowledgeSearcher

	// Rates prices the call for the cost ledger.
	Rates pricing.Rates

	// Metrics receives pipeline instrumentation. Nil uses the default set.
	Metrics *observe.Metrics

	// OnCallEnd, when set, is invoked asynchronously after termination
	// with the call summary. Termination never waits for it.
	OnCallEnd func(Summary)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Session is the per-call orchestrator. Create with [New], drive with
// [Session.Start], [Session.HandleFrame], and [Session.Terminate].
//
// HandleFrame and Terminate are safe for concurrent use with each other and
// with the session's internal goroutines.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	state atomic.Int32
	busy  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	frames *frameQueue
	cursor *mixer.Cursor
	ledger *pricing.Ledger

	seg        *segmenter.Segmenter
	sttSession stt.SessionHandle

	// degraded flips when a streaming recognizer link is lost mid-call and
	// the segmenter takes over utterance bounding.
	degraded    atomic.Bool
	degradeOnce sync.Once

	mu        sync.Mutex
	history   []llm.Message
	turnCount int
	startedAt time.Time

	maxTimer *time.Timer

	terminateOnce sync.Once
	wg            sync.WaitGroup
}

// New validates cfg and builds a session in the Initializing state. No
// goroutines start and no provider is contacted until [Session.Start].
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.CallID == "" {
		errs = append(errs, errors.New("call ID is required"))
	}
	if cfg.Emit == nil {
		errs = append(errs, errors.New("emit func is required"))
	}
	if cfg.STT == nil {
		errs = append(errs, errors.New("transcription provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("language-model provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("synthesis provider is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("callsession: %w: %w", types.ErrConfiguration, err)
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeStreaming
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Rates == (pricing.Rates{}) {
		cfg.Rates = pricing.DefaultRates()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("call_id", cfg.CallID, "assistant", cfg.Assistant),
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		frames:  newFrameQueue(),
		cursor:  mixer.NewCursor(cfg.Bed, cfg.BedVolume),
		ledger:  pricing.NewLedger(),
	}
	s.state.Store(int32(StateInitializing))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Start brings the session live: it records the call, opens the inbound
// transcription path, starts paced emission, and speaks the greeting. On
// return the session is Idle and ready for frames.
func (s *Session) Start(ctx context.Context) error {
	if s.State() != StateInitializing {
		return fmt.Errorf("callsession: start from state %s", s.State())
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if s.cfg.Store != nil {
		rec := records.CallRecord{
			ID:           s.cfg.CallID,
			Assistant:    s.cfg.Assistant,
			CallerNumber: s.cfg.CallerNumber,
			StartedAt:    s.startedAt,
		}
		if err := s.cfg.Store.BeginCall(ctx, rec); err != nil {
			s.log.Warn("call record insert failed", "error", err)
		}
	}

	// The segmenter is built even for streaming calls: it takes over
	// utterance bounding if the recognizer link is lost mid-call.
	s.seg = segmenter.New(s.cfg.Segmenter)
	s.seg.OnUtterance(func(utt types.Utterance) {
		go s.handleUtteranceAudio(utt)
	})

	if s.cfg.Mode != ModeSegmented {
		sess, err := s.cfg.STT.StartStream(s.ctx, stt.StreamConfig{
			Encoding:   "mulaw",
			SampleRate: types.SampleRate,
			Channels:   1,
			OnUtterance: func(text string) {
				go s.runTurn(text)
			},
		})
		if err != nil {
			s.cancel()
			return fmt.Errorf("callsession: open recognizer stream: %w", err)
		}
		s.sttSession = sess

		// Interim previews are log-only; the channel closes with the stream.
		go func() {
			for t := range sess.Interims() {
				s.log.Debug("interim transcript", "text", t.Text)
			}
		}()
	}

	if s.cfg.MaxCallDuration > 0 {
		s.maxTimer = time.AfterFunc(s.cfg.MaxCallDuration, func() {
			s.log.Info("max call duration reached")
			s.Terminate("max_duration")
		})
	}

	s.wg.Add(1)
	go s.emitLoop()

	s.metrics.RecordCallStarted(s.ctx, s.cfg.Assistant)
	s.metrics.ActiveCalls.Add(s.ctx, 1)

	s.state.Store(int32(StateIdle))
	s.log.Info("call session started", "mode", string(s.cfg.Mode))

	if s.cfg.Greeting != "" {
		s.speakGreeting(ctx)
	}
	return nil
}

// HandleFrame feeds one inbound μ-law frame into the session. Frames after
// termination are dropped silently.
func (s *Session) HandleFrame(frame []byte) {
	if s.State() == StateTerminated || len(frame) == 0 {
		return
	}
	s.state.CompareAndSwap(int32(StateIdle), int32(StateListening))

	if s.cfg.Mode == ModeSegmented || s.degraded.Load() {
		s.seg.Process(frame)
		return
	}

	s.ledger.AddSTTAudio(types.FrameInterval)
	if err := s.sttSession.SendAudio(frame); err != nil {
		s.log.Warn("recognizer rejected audio", "error", err)
		s.degradeToBatch()
		s.seg.Process(frame)
	}
}

// degradeToBatch switches a streaming call to locally segmented batch
// transcription after the live recognizer link is lost. The call stays up;
// utterance boundaries come from the energy segmenter for the remainder.
func (s *Session) degradeToBatch() {
	s.degradeOnce.Do(func() {
		s.degraded.Store(true)
		if err := s.sttSession.Close(); err != nil {
			s.log.Debug("recognizer stream close after loss", "error", err)
		}
		s.log.Warn("streaming recognizer lost, continuing with batch transcription")
	})
}

// Terminate ends the call. Idempotent; only the first reason is recorded.
// Teardown failures are logged and never block release.
func (s *Session) Terminate(reason string) {
	s.terminateOnce.Do(func() {
		s.state.Store(int32(StateTerminated))
		s.cancel()

		if s.maxTimer != nil {
			s.maxTimer.Stop()
		}
		if s.sttSession != nil {
			if err := s.sttSession.Close(); err != nil {
				s.log.Warn("recognizer session close failed", "error", err)
			}
		}
		if s.seg != nil {
			s.seg.Reset()
		}
		s.wg.Wait()

		s.mu.Lock()
		duration := time.Since(s.startedAt)
		turns := s.turnCount
		s.mu.Unlock()

		s.ledger.SetCallDuration(duration)
		cost := pricing.Estimate(s.ledger.Snapshot(), s.cfg.Rates)

		if s.cfg.Store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.cfg.Store.EndCall(ctx, s.cfg.CallID, time.Now().UTC(), cost.Total); err != nil {
				s.log.Warn("call record finalize failed", "error", err)
			}
		}

		s.metrics.ActiveCalls.Add(context.Background(), -1)
		s.log.Info("call session terminated",
			"reason", reason,
			"duration", duration.Round(time.Second),
			"turns", turns,
			"cost", cost.String(),
		)

		if s.cfg.OnCallEnd != nil {
			go s.cfg.OnCallEnd(Summary{
				CallID:    s.cfg.CallID,
				Assistant: s.cfg.Assistant,
				Reason:    reason,
				Duration:  duration,
				Turns:     turns,
				Cost:      cost,
			})
		}
	})
}

// Ledger exposes the call's cost ledger, mainly for tests and the end hook.
func (s *Session) Ledger() *pricing.Ledger {
	return s.ledger
}
