package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/sonavox/pkg/provider/tts"
	"github.com/MrWong99/sonavox/pkg/types"
)

// rewriteTransport redirects every request to a test server, preserving the
// path and query of the original URL.
type rewriteTransport struct {
	target *url.URL
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

func testProvider(t *testing.T, handler http.HandlerFunc, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	opts = append(opts, WithHTTPClient(&http.Client{Transport: &rewriteTransport{target: target}}))
	p, err := New("test-key", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New("")
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSynthesize_RequiresVoice(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Synthesize(context.Background(), "hi", tts.VoiceProfile{})
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing voice, got %v", err)
	}
}

func TestSynthesize_WholeBuffer(t *testing.T) {
	audio := []byte{0x7E, 0x7D, 0x7C, 0x7B}
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/text-to-speech/voice-1") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("output_format"); got != "ulaw_8000" {
			t.Errorf("output_format = %q", got)
		}
		if got := r.Header.Get("xi-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}

		var req synthesisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "hello caller" {
			t.Errorf("text = %q", req.Text)
		}
		w.Write(audio)
	})

	got, err := p.Synthesize(context.Background(), "hello caller", tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, audio) {
		t.Errorf("audio = %v, want %v", got, audio)
	}
}

func TestSynthesize_UpstreamStatusSurfaced(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota exceeded"}`, http.StatusTooManyRequests)
	})

	_, err := p.Synthesize(context.Background(), "hi", tts.VoiceProfile{ID: "v"})
	if err == nil {
		t.Fatal("expected error")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
	if ue.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", ue.Status)
	}
	if !errors.Is(err, types.ErrUpstream) {
		t.Error("UpstreamError should match types.ErrUpstream")
	}
}

func TestSynthesizeStream_ChunksForwardedProgressively(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			w.Write(bytes.Repeat([]byte{byte(0x40 + i)}, 100))
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	})

	var chunks [][]byte
	err := p.SynthesizeStream(context.Background(), "reply", tts.VoiceProfile{ID: "v"}, func(chunk []byte) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if total != 300 {
		t.Errorf("total bytes = %d, want 300", total)
	}
	if len(chunks) < 2 {
		t.Errorf("got %d chunk deliveries, want progressive delivery (≥2)", len(chunks))
	}
}

func TestSynthesizeStream_FirstAudioHook(t *testing.T) {
	var recorded time.Duration
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3})
	}, WithFirstAudioHook(func(d time.Duration) { recorded = d }))

	err := p.SynthesizeStream(context.Background(), "x", tts.VoiceProfile{ID: "v"}, func([]byte) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if recorded <= 0 {
		t.Error("first-audio latency not recorded")
	}
}

func TestSynthesizeStream_CallbackErrorAborts(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0x55}, 64))
	})

	sentinel := errors.New("sink failed")
	err := p.SynthesizeStream(context.Background(), "x", tts.VoiceProfile{ID: "v"}, func([]byte) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}

func TestSynthesizeStream_MidStreamErrorPropagates(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		// Announce a longer body than is written, then drop the connection
		// so the client sees a mid-stream failure rather than clean EOF.
		w.Header().Set("Content-Length", "1000")
		w.Write(bytes.Repeat([]byte{0x11}, 100))
		w.(http.Flusher).Flush()
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("hijacking unsupported")
		}
		conn, _, _ := hj.Hijack()
		conn.Close()
	})

	var received int
	err := p.SynthesizeStream(context.Background(), "x", tts.VoiceProfile{ID: "v"}, func(chunk []byte) error {
		received += len(chunk)
		return nil
	})
	if err == nil {
		t.Fatal("mid-stream failure must propagate, not truncate silently")
	}
	if !errors.Is(err, types.ErrUpstream) {
		t.Errorf("expected upstream error, got %v", err)
	}
}
