package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/sonavox/pkg/provider/stt"
	"github.com/MrWong99/sonavox/pkg/types"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
	if !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("expected a configuration error, got %v", err)
	}
}

func TestBuildStreamURL_TelephonyDefaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatal(err)
	}

	raw, err := p.buildStreamURL(stt.StreamConfig{})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}

	q := u.Query()
	checks := map[string]string{
		"encoding":         "mulaw",
		"sample_rate":      "8000",
		"channels":         "1",
		"model":            defaultModel,
		"interim_results":  "true",
		"punctuate":        "true",
		"vad_events":       "true",
		"utterance_end_ms": "1000",
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildStreamURL_ConfigOverrides(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithLanguage("de-DE"))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := p.buildStreamURL(stt.StreamConfig{
		SampleRate:   16000,
		UtteranceEnd: 1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	q, _ := url.Parse(raw)
	if got := q.Query().Get("model"); got != "nova-3" {
		t.Errorf("model = %q", got)
	}
	if got := q.Query().Get("language"); got != "de-DE" {
		t.Errorf("language = %q", got)
	}
	if got := q.Query().Get("sample_rate"); got != "16000" {
		t.Errorf("sample_rate = %q", got)
	}
	if got := q.Query().Get("utterance_end_ms"); got != "1500" {
		t.Errorf("utterance_end_ms = %q", got)
	}
}

func TestParseStreamMessage(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantEvent streamEvent
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final result",
			raw:       `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.98}]}}`,
			wantOK:    true,
			wantEvent: eventResults,
			wantText:  "hello there",
			wantFinal: true,
		},
		{
			name:      "interim result",
			raw:       `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`,
			wantOK:    true,
			wantEvent: eventResults,
			wantText:  "hel",
		},
		{
			name:      "utterance end",
			raw:       `{"type":"UtteranceEnd","last_word_end":2.1}`,
			wantOK:    true,
			wantEvent: eventUtteranceEnd,
		},
		{
			name:   "metadata ignored",
			raw:    `{"type":"Metadata","request_id":"abc"}`,
			wantOK: false,
		},
		{
			name:   "no alternatives ignored",
			raw:    `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
			wantOK: false,
		},
		{
			name:   "malformed json ignored",
			raw:    `{"type":`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, event, ok := parseStreamMessage([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if event != tt.wantEvent {
				t.Errorf("event = %v, want %v", event, tt.wantEvent)
			}
			if tr.Text != tt.wantText {
				t.Errorf("text = %q, want %q", tr.Text, tt.wantText)
			}
			if tr.IsFinal != tt.wantFinal {
				t.Errorf("isFinal = %v, want %v", tr.IsFinal, tt.wantFinal)
			}
		})
	}
}

func TestSession_FinalizeIdempotent(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	s := &session{
		onUtterance: func(text string) {
			mu.Lock()
			calls = append(calls, text)
			mu.Unlock()
		},
		done: make(chan struct{}),
	}

	s.appendFinal("good morning")
	s.appendFinal("how are you")

	s.Finalize()
	s.Finalize() // late duplicate signal for the same utterance

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("utterance callback invoked %d times, want exactly 1", len(calls))
	}
	if calls[0] != "good morning how are you" {
		t.Errorf("accumulated text = %q", calls[0])
	}
}

func TestSession_FinalizeEmptyAccumulatorIsNoop(t *testing.T) {
	invoked := false
	s := &session{
		onUtterance: func(string) { invoked = true },
		done:        make(chan struct{}),
	}
	s.Finalize()
	if invoked {
		t.Error("callback fired with no accumulated finals")
	}
}

func TestSession_InactivityFallbackFinalizes(t *testing.T) {
	ch := make(chan string, 1)
	s := &session{
		onUtterance: func(text string) { ch <- text },
		inactivity:  5 * time.Millisecond,
		done:        make(chan struct{}),
	}

	s.appendFinal("fallback path")

	select {
	case text := <-ch:
		if text != "fallback path" {
			t.Errorf("text = %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("inactivity fallback never fired")
	}

	// A recognizer signal arriving after the fallback must be a no-op.
	s.Finalize()
	select {
	case <-ch:
		t.Fatal("duplicate finalize after fallback")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSession_AccumulatorClearedBetweenUtterances(t *testing.T) {
	ch := make(chan string, 2)
	s := &session{
		onUtterance: func(text string) { ch <- text },
		done:        make(chan struct{}),
	}

	s.appendFinal("first turn")
	s.Finalize()
	s.appendFinal("second turn")
	s.Finalize()

	if got := <-ch; got != "first turn" {
		t.Errorf("first = %q", got)
	}
	if got := <-ch; got != "second turn" {
		t.Errorf("second = %q", got)
	}
}

// dialTestSession connects a streaming session to a local server handler,
// assembled the same way StartStream assembles one.
func dialTestSession(t *testing.T, handler http.HandlerFunc) *session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}

	s := &session{
		conn:     conn,
		interims: make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		errored:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(context.Background())
	go s.writeLoop(context.Background())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_SendAudioErrorsAfterLinkLoss(t *testing.T) {
	s := dialTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = c.CloseNow()
	})

	// Keep feeding frames well past the queue capacity. Once the loops
	// notice the dead link, SendAudio must start failing instead of
	// blocking the producer.
	frame := make([]byte, types.FrameBytes)
	result := make(chan error, 1)
	go func() {
		for i := 0; i < 400; i++ {
			if err := s.SendAudio(frame); err != nil {
				result <- err
				return
			}
		}
		result <- nil
	}()

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("400 frames queued without error after the link dropped")
		}
		if !errors.Is(err, types.ErrUpstream) {
			t.Errorf("expected an upstream error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SendAudio blocked after the link dropped")
	}
}

func TestSession_InterimCarriesAccumulatedFinals(t *testing.T) {
	messages := []string{
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"thanks for calling"}]}}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"how can"}]}}`,
	}
	s := dialTestSession(t, func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for _, m := range messages {
			if err := c.Write(r.Context(), websocket.MessageText, []byte(m)); err != nil {
				return
			}
		}
		// Hold the link open until the client hangs up.
		_, _, _ = c.Read(r.Context())
	})

	select {
	case tr := <-s.Interims():
		if tr.Text != "how can" {
			t.Errorf("interim text = %q, want %q", tr.Text, "how can")
		}
		if tr.Accumulated != "thanks for calling" {
			t.Errorf("accumulated = %q, want %q", tr.Accumulated, "thanks for calling")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no interim received")
	}
}

func TestParseBatchTranscript(t *testing.T) {
	var br batchResponse
	if got := parseBatchTranscript(br); got != "" {
		t.Errorf("empty response should yield empty text, got %q", got)
	}

	br.Results.Channels = append(br.Results.Channels, struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	}{
		Alternatives: []struct {
			Transcript string `json:"transcript"`
		}{{Transcript: "batch text"}},
	})
	if got := parseBatchTranscript(br); got != "batch text" {
		t.Errorf("transcript = %q", got)
	}
}

func TestCloseStreamMessageShape(t *testing.T) {
	if !strings.Contains(string(closeStreamMsg), `"CloseStream"`) {
		t.Errorf("termination signal = %s", closeStreamMsg)
	}
}
