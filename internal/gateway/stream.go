package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/sonavox/internal/callsession"
	"github.com/MrWong99/sonavox/internal/config"
	"github.com/MrWong99/sonavox/internal/tools"
	"github.com/MrWong99/sonavox/pkg/audio/ambience"
	"github.com/MrWong99/sonavox/pkg/audio/segmenter"
	"github.com/MrWong99/sonavox/pkg/provider/tts"
)

const (
	// writeTimeout bounds a single outbound websocket write. A frame that
	// cannot leave within this window means the link is dead.
	writeTimeout = 5 * time.Second

	// shutdownTimeout bounds the HTTP server drain during shutdown.
	shutdownTimeout = 10 * time.Second
)

// handleStream terminates one media-stream websocket. The first start event
// must carry an assistant_id custom parameter naming a configured assistant;
// a stream without one is closed with a policy violation.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.log.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	ctx := r.Context()
	log := g.log

	var (
		session   *callsession.Session
		streamSid string
		callSid   string
	)
	defer func() {
		if session != nil {
			session.Terminate("transport_closed")
			g.untrack(callSid)

			// Best effort: ask the provider to drop any buffered audio.
			wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			_ = conn.Write(wctx, websocket.MessageText, outboundClear(streamSid))
			cancel()
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if session != nil {
				log.Warn("media stream read failed", "call_sid", callSid, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := parseEvent(data)
		if err != nil {
			log.Warn("dropping malformed stream event", "error", err)
			continue
		}

		switch ev.Event {
		case "connected":
			// Protocol preamble, nothing to do.

		case "start":
			if session != nil {
				log.Warn("duplicate start event ignored", "call_sid", callSid)
				continue
			}
			if ev.Start == nil {
				conn.Close(websocket.StatusPolicyViolation, "start event without body")
				return
			}
			assistantID := ev.Start.CustomParameters["assistant_id"]
			if assistantID == "" {
				log.Warn("stream rejected, no assistant_id parameter", "call_sid", ev.Start.CallSid)
				conn.Close(websocket.StatusPolicyViolation, "assistant_id parameter required")
				return
			}
			profile, ok := g.conf.Load().Assistant(assistantID)
			if !ok {
				log.Warn("stream rejected, unknown assistant", "assistant", assistantID)
				conn.Close(websocket.StatusPolicyViolation, "unknown assistant")
				return
			}

			callSid = ev.Start.CallSid
			if callSid == "" {
				// Non-Twilio transports may omit the SID; records still
				// need a stable per-call key.
				callSid = uuid.NewString()
			}
			streamSid = ev.Start.StreamSid
			log = g.log.With("call_sid", callSid, "assistant", profile.Name)

			session, err = g.newSession(conn, profile, callSid, streamSid, ev.Start.From)
			if err != nil {
				log.Error("session construction failed", "error", err)
				conn.Close(websocket.StatusInternalError, "session unavailable")
				return
			}
			if err := session.Start(ctx); err != nil {
				log.Error("session start failed", "error", err)
				session = nil
				conn.Close(websocket.StatusInternalError, "session unavailable")
				return
			}
			g.track(callSid, session)
			log.Info("media stream started", "stream_sid", streamSid)

		case "media":
			if session == nil {
				continue
			}
			frame, err := decodePayload(ev)
			if err != nil {
				log.Warn("dropping malformed media payload", "error", err)
				continue
			}
			session.HandleFrame(frame)

		case "mark":
			if ev.Mark != nil {
				log.Debug("mark acknowledged", "name", ev.Mark.Name)
			}

		case "stop":
			log.Info("media stream stopped by provider")
			if session != nil {
				session.Terminate("caller_hangup")
				g.untrack(callSid)
				session = nil
			}
			return

		default:
			log.Debug("unknown stream event ignored", "event", ev.Event)
		}
	}
}

// newSession assembles a call session for one accepted stream.
func (g *Gateway) newSession(conn *websocket.Conn, profile config.AssistantConfig, callSid, streamSid, from string) (*callsession.Session, error) {
	var bed []byte
	volume := 0.0
	if g.cfg.Ambience != nil && profile.Ambience.Flavor != "" && profile.Ambience.Flavor != ambience.FlavorNone && profile.Ambience.Volume > 0 {
		bed = g.cfg.Ambience.Bed(profile.Ambience.Flavor)
		volume = profile.Ambience.Volume
	}

	mode := callsession.ModeStreaming
	if profile.TranscriptionMode == config.TranscriptionSegmented {
		mode = callsession.ModeSegmented
	}

	emit := func(frame []byte) error {
		wctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, outboundMedia(streamSid, frame))
	}

	return callsession.New(callsession.Config{
		CallID:       callSid,
		CallerNumber: from,
		Assistant:    profile.Name,
		Greeting:     profile.Greeting,
		SystemPrompt: profile.SystemPrompt,
		Voice:        tts.VoiceProfile{ID: profile.Voice.VoiceID},
		LLMModel:     profile.LLM.Model,
		Temperature:  profile.LLM.Temperature,
		MaxTokens:    profile.LLM.MaxTokens,
		Mode:         mode,
		Segmenter: segmenter.Config{
			SpeechThreshold: profile.Segmenter.SpeechThreshold,
			MinSpeechFrames: profile.Segmenter.MinSpeechFrames,
			SilenceFrames:   profile.Segmenter.SilenceFrames,
			FinalizeDelay:   profile.Segmenter.FinalizeDelay.Std(),
		},
		Bed:             bed,
		BedVolume:       volume,
		MaxCallDuration: profile.MaxCallDuration.Std(),
		Tools:           toolDefinitions(profile.Tools),
		Dispatcher:      g.dispatcher,
		Emit:            emit,
		STT:             g.cfg.STT,
		LLM:             g.cfg.LLM,
		TTS:             g.cfg.TTS,
		Embeddings:      g.cfg.Embeddings,
		Store:           g.cfg.Store,
		Knowledge:       g.cfg.Knowledge,
		Rates:           g.rates,
		Metrics:         g.metrics,
		Logger:          g.log,
	})
}

// toolDefinitions maps configured tool blocks onto dispatcher definitions.
func toolDefinitions(cfgs []config.ToolConfig) []tools.Definition {
	if len(cfgs) == 0 {
		return nil
	}
	out := make([]tools.Definition, 0, len(cfgs))
	for _, tc := range cfgs {
		out = append(out, tools.Definition{
			Name:        tc.Name,
			Description: tc.Description,
			Parameters:  tc.Fields,
			Required:    tc.Required,
			WebhookURL:  tc.WebhookURL,
		})
	}
	return out
}
