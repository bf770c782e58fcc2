// Package deepgram provides a Deepgram-backed STT provider. Streaming
// sessions use the Deepgram real-time WebSocket API; the batch path posts a
// WAV container to the pre-recorded endpoint. It implements stt.Provider.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sonavox/pkg/provider/stt"
	"github.com/MrWong99/sonavox/pkg/types"
)

const (
	streamEndpoint = "wss://api.deepgram.com/v1/listen"
	batchEndpoint  = "https://api.deepgram.com/v1/listen"

	defaultModel    = "nova-2-phonecall"
	defaultLanguage = "en-US"

	// defaultUtteranceEnd is the endpointing hint sent when the stream
	// config does not specify one.
	defaultUtteranceEnd = time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-2-phonecall", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithHTTPClient overrides the HTTP client used for batch transcription.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the Deepgram APIs.
type Provider struct {
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// New creates a new Deepgram Provider. A missing apiKey is a configuration
// error; the call flow must never start without credentials.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepgram: apiKey must not be empty: %w", types.ErrConfiguration)
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a persistent streaming session configured for the
// telephony format and endpointing hints in cfg.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildStreamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w: %w", err, types.ErrUpstream)
	}

	sess := &session{
		conn:        conn,
		onUtterance: cfg.OnUtterance,
		inactivity:  cfg.InactivityTimeout,
		interims:    make(chan types.Transcript, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		errored:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildStreamURL constructs the streaming endpoint URL for cfg.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(streamEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "mulaw"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = types.SampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	utteranceEnd := cfg.UtteranceEnd
	if utteranceEnd <= 0 {
		utteranceEnd = defaultUtteranceEnd
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.FormatInt(utteranceEnd.Milliseconds(), 10))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- streaming session ----

// streamResponse is the JSON structure of a Deepgram streaming message.
// Results messages carry transcripts; UtteranceEnd messages carry the
// recognizer's own end-of-utterance signal.
type streamResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// closeStreamMsg is the termination signal Deepgram expects before the
// WebSocket is closed.
var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// session is a live Deepgram streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn        *websocket.Conn
	onUtterance func(string)
	inactivity  time.Duration

	interims chan types.Transcript
	audio    chan []byte

	// errored is closed by whichever loop first hits a terminal link error,
	// so SendAudio fails fast instead of blocking on a queue nobody drains.
	errored  chan struct{}
	failOnce sync.Once
	termErr  error

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu        sync.Mutex
	finals    []string
	bytesSent int64
	idleTimer *time.Timer
}

// SendAudio queues an audio chunk for delivery to Deepgram. It returns an
// error once the session is closed or the recognizer link has been lost, so
// the caller can switch transcription strategies without ever blocking the
// inbound audio path.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: session is closed")
	case <-s.errored:
		return fmt.Errorf("deepgram: stream lost: %w: %w", s.terminalErr(), types.ErrUpstream)
	default:
	}
	select {
	case s.audio <- chunk:
		s.mu.Lock()
		s.bytesSent += int64(len(chunk))
		s.mu.Unlock()
		return nil
	case <-s.done:
		return errors.New("deepgram: session is closed")
	case <-s.errored:
		return fmt.Errorf("deepgram: stream lost: %w: %w", s.terminalErr(), types.ErrUpstream)
	}
}

// fail records the first terminal link error and unblocks all senders.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.termErr = err
		s.mu.Unlock()
		close(s.errored)
	})
}

func (s *session) terminalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termErr
}

// Interims returns the channel of interim transcripts.
func (s *session) Interims() <-chan types.Transcript { return s.interims }

// BytesSent reports cumulative audio bytes forwarded to the recognizer.
func (s *session) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

// Finalize closes the current utterance. The accumulated text is handed to
// the utterance callback exactly once; an empty accumulator (including a
// repeated signal for the same utterance) is a no-op.
func (s *session) Finalize() {
	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if len(s.finals) == 0 {
		s.mu.Unlock()
		return
	}
	text := strings.Join(s.finals, " ")
	s.finals = s.finals[:0]
	handler := s.onUtterance
	s.mu.Unlock()

	if handler != nil {
		handler(text)
	}
}

// Close sends the termination signal if still connected and shuts the
// session down. It never returns an error, even when called repeatedly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.conn.Write(ctx, websocket.MessageText, closeStreamMsg)
		cancel()
		_ = s.conn.Close(websocket.StatusNormalClosure, "call ended")

		s.wg.Wait()
	})
	return nil
}

// readLoop receives recognizer messages and dispatches them: interims to the
// preview channel, finals into the accumulator, utterance-end signals to
// Finalize.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.interims)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// A read error after Close is the normal shutdown path. Any
			// other read error means the link is gone.
			select {
			case <-s.done:
			default:
				s.fail(err)
			}
			return
		}

		t, event, ok := parseStreamMessage(msg)
		if !ok {
			continue
		}

		if event == eventUtteranceEnd {
			s.Finalize()
			continue
		}

		if t.IsFinal {
			s.appendFinal(t.Text)
			continue
		}

		t.Accumulated = s.accumulated()
		select {
		case s.interims <- t:
		case <-s.done:
			return
		default:
			// Interim previews are droppable; never stall the read loop.
		}
	}
}

// accumulated returns the joined final results confirmed so far for the
// current utterance.
func (s *session) accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.finals, " ")
}

// appendFinal adds one final result to the accumulator and re-arms the
// inactivity fallback.
func (s *session) appendFinal(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	s.finals = append(s.finals, text)
	if s.inactivity > 0 {
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		s.idleTimer = time.AfterFunc(s.inactivity, s.Finalize)
	}
	s.mu.Unlock()
}

// writeLoop forwards queued audio chunks to the WebSocket.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// streamEvent classifies a parsed recognizer message.
type streamEvent int

const (
	eventResults streamEvent = iota
	eventUtteranceEnd
)

// parseStreamMessage parses a raw streaming message. Returns ok=false for
// message types the session does not act on.
func parseStreamMessage(data []byte) (types.Transcript, streamEvent, bool) {
	var resp streamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, 0, false
	}

	switch resp.Type {
	case "UtteranceEnd":
		return types.Transcript{}, eventUtteranceEnd, true
	case "Results":
	default:
		return types.Transcript{}, 0, false
	}

	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, 0, false
	}
	alt := resp.Channel.Alternatives[0]
	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
	}, eventResults, true
}

// ---- batch transcription ----

// batchResponse is the JSON structure of a pre-recorded transcription result.
type batchResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts a WAV container to the pre-recorded endpoint and returns
// the transcript text. Used by the segmenter-driven strategy and as the
// fallback when a streaming session fails mid-call.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (string, error) {
	u, err := url.Parse(batchEndpoint)
	if err != nil {
		return "", fmt.Errorf("deepgram: batch URL: %w", err)
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram: batch request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: batch transcribe: %w: %w", err, types.ErrUpstream)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("deepgram: batch transcribe: status %d: %s: %w", resp.StatusCode, body, types.ErrUpstream)
	}

	var br batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		return "", fmt.Errorf("deepgram: batch decode: %w: %w", err, types.ErrUpstream)
	}
	return parseBatchTranscript(br), nil
}

// parseBatchTranscript extracts the first channel's first alternative.
func parseBatchTranscript(br batchResponse) string {
	if len(br.Results.Channels) == 0 {
		return ""
	}
	ch := br.Results.Channels[0]
	if len(ch.Alternatives) == 0 {
		return ""
	}
	return ch.Alternatives[0].Transcript
}
