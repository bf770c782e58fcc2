package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/sonavox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/sonavox/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte{0x7F, 0x00, 0xFF}}
	secondary := &ttsmock.Provider{Audio: []byte{0x01}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(audio, []byte{0x7F, 0x00, 0xFF}) {
		t.Errorf("audio = %v, want primary's audio", audio)
	}
	if secondary.SynthesizeCalls != 0 {
		t.Errorf("secondary calls = %d, want 0", secondary.SynthesizeCalls)
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Err: errProviderDown}
	secondary := &ttsmock.Provider{Audio: []byte{0x42}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	audio, err := fb.Synthesize(context.Background(), "hello", tts.VoiceProfile{ID: "v1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(audio, []byte{0x42}) {
		t.Errorf("audio = %v, want secondary's audio", audio)
	}
}

func TestTTSFallback_SynthesizeStream_FailoverBeforeFirstChunk(t *testing.T) {
	primary := &ttsmock.Provider{Err: errProviderDown}
	secondary := &ttsmock.Provider{Audio: []byte{1, 2, 3, 4}, ChunkSize: 2}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	var got []byte
	err := fb.SynthesizeStream(context.Background(), "hello", tts.VoiceProfile{ID: "v1"}, func(chunk []byte) error {
		got = append(got, chunk...)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("streamed audio = %v, want secondary's audio", got)
	}
}

// A stream that fails after delivering audio must not fail over: the caller
// already played part of one voice.
func TestTTSFallback_SynthesizeStream_NoFailoverAfterAudio(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte{1, 2, 3, 4}, ChunkSize: 2}
	secondary := &ttsmock.Provider{Audio: []byte{9, 9}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	chunks := 0
	err := fb.SynthesizeStream(context.Background(), "hello", tts.VoiceProfile{ID: "v1"}, func(chunk []byte) error {
		chunks++
		if chunks == 2 {
			return errProviderDown
		}
		return nil
	})
	if !errors.Is(err, errProviderDown) {
		t.Fatalf("err = %v, want errProviderDown surfaced directly", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("error should not be wrapped in ErrAllFailed")
	}
	if secondary.StreamCalls != 0 {
		t.Errorf("secondary stream calls = %d, want 0", secondary.StreamCalls)
	}
}

func TestTTSFallback_Synthesize_AllFail(t *testing.T) {
	primary := &ttsmock.Provider{Err: errProviderDown}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := fb.Synthesize(context.Background(), "hello", tts.VoiceProfile{ID: "v1"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
