// Package gateway is the network edge of the call server: it terminates the
// telephony provider's media-stream websocket, spawns one call session per
// stream, and exposes the operational HTTP surface (outbound dialing, TwiML,
// metrics, health probes).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	twilio "github.com/twilio/twilio-go"

	"github.com/MrWong99/sonavox/internal/callsession"
	"github.com/MrWong99/sonavox/internal/config"
	"github.com/MrWong99/sonavox/internal/health"
	"github.com/MrWong99/sonavox/internal/observe"
	"github.com/MrWong99/sonavox/internal/pricing"
	"github.com/MrWong99/sonavox/internal/records"
	"github.com/MrWong99/sonavox/internal/tools"
	"github.com/MrWong99/sonavox/pkg/audio/ambience"
	"github.com/MrWong99/sonavox/pkg/provider/embeddings"
	"github.com/MrWong99/sonavox/pkg/provider/llm"
	"github.com/MrWong99/sonavox/pkg/provider/stt"
	"github.com/MrWong99/sonavox/pkg/provider/tts"
	"github.com/MrWong99/sonavox/pkg/types"
)

// Config holds the gateway's dependencies. Cfg, STT, LLM, and TTS are
// required.
type Config struct {
	// Cfg is the loaded server configuration: assistants, twilio
	// credentials, public host, pricing overrides.
	Cfg *config.Config

	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider

	// Store and Knowledge are optional; calls run without persistence.
	Store     records.ConversationStore
	Knowledge records.KnowledgeSearcher

	// Ambience supplies background beds per flavor. Nil disables mixing.
	Ambience *ambience.Cache

	// Health serves /healthz and /readyz. Nil installs a probe-less handler.
	Health *health.Handler

	// Metrics defaults to the process-wide instrument set.
	Metrics *observe.Metrics

	// Twilio enables POST /dial. Nil returns 503 from that endpoint.
	Twilio *twilio.RestClient

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Gateway owns the HTTP surface and the set of live call sessions.
type Gateway struct {
	cfg        Config
	conf       atomic.Pointer[config.Config]
	log        *slog.Logger
	metrics    *observe.Metrics
	rates      pricing.Rates
	dispatcher *tools.Dispatcher

	mu       sync.Mutex
	sessions map[string]*callsession.Session
}

// New validates deps and builds a Gateway.
func New(cfg Config) (*Gateway, error) {
	var errs []error
	if cfg.Cfg == nil {
		errs = append(errs, errors.New("server configuration is required"))
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
		return nil, fmt.Errorf("gateway: %w: %w", types.ErrConfiguration, err)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}

	g := &Gateway{
		cfg:        cfg,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		rates:      ratesFromConfig(cfg.Cfg.Pricing),
		dispatcher: tools.NewDispatcher(0),
		sessions:   make(map[string]*callsession.Session),
	}
	g.conf.Store(cfg.Cfg)
	return g, nil
}

// ApplyConfig swaps in a reloaded configuration. Assistant profile changes
// take effect for new calls; live sessions keep the profile they started
// with. Listen address, TLS, and provider settings are ignored here since
// they cannot change without a restart.
func (g *Gateway) ApplyConfig(c *config.Config) {
	if c == nil {
		return
	}
	g.conf.Store(c)
}

// Handler returns the gateway's HTTP mux. The websocket endpoint is mounted
// unwrapped; everything else goes through the tracing middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", g.handleStream)

	wrapped := http.NewServeMux()
	wrapped.HandleFunc("POST /dial", g.handleDial)
	wrapped.HandleFunc("GET /twiml", g.handleTwiML)
	wrapped.Handle("/metrics", promhttp.Handler())
	g.cfg.Health.Register(wrapped)

	mux.Handle("/", observe.Middleware(g.metrics)(wrapped))
	return mux
}

// ListenAndServe runs the gateway until ctx is cancelled, then drains: the
// HTTP server shuts down and every live session is terminated.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:    g.cfg.Cfg.Server.ListenAddr,
		Handler: g.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := g.cfg.Cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
	}

	g.log.Info("gateway shutting down")
	g.terminateAll("server_shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// ActiveCalls reports the number of live sessions.
func (g *Gateway) ActiveCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) track(callSid string, s *callsession.Session) {
	g.mu.Lock()
	g.sessions[callSid] = s
	g.mu.Unlock()
}

func (g *Gateway) untrack(callSid string) {
	g.mu.Lock()
	delete(g.sessions, callSid)
	g.mu.Unlock()
}

func (g *Gateway) terminateAll(reason string) {
	g.mu.Lock()
	live := make([]*callsession.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()

	for _, s := range live {
		s.Terminate(reason)
	}
}

// ratesFromConfig overlays configured price overrides on the defaults.
func ratesFromConfig(p config.PricingConfig) pricing.Rates {
	r := pricing.DefaultRates()
	if p.STTPerMinute > 0 {
		r.STTPerMinute = p.STTPerMinute
	}
	if p.LLMPerMillionInput > 0 {
		r.LLMPerMillionInput = p.LLMPerMillionInput
	}
	if p.LLMPerMillionOutput > 0 {
		r.LLMPerMillionOutput = p.LLMPerMillionOutput
	}
	if p.TTSPerThousandChars > 0 {
		r.TTSPerThousandChars = p.TTSPerThousandChars
	}
	if p.TelephonyPerMinute > 0 {
		r.TelephonyPerMinute = p.TelephonyPerMinute
	}
	return r
}
