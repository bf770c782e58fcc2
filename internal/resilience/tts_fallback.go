package resilience

import (
	"context"

	"github.com/MrWong99/sonavox/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
//
// For SynthesizeStream only the attempt up to the first delivered chunk is a
// failover candidate: once audio has been handed to the caller, switching
// backends mid-utterance would change the voice, so later errors are returned
// as-is.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text against the first healthy provider. If the primary
// fails, subsequent fallbacks are tried.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// SynthesizeStream renders text against the first healthy provider, delivering
// audio chunks to onChunk as they arrive. A provider that fails before its
// first chunk is bypassed; a provider that fails after delivering audio is not
// retried.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile, onChunk tts.ChunkFunc) error {
	return f.group.Execute(func(p tts.Provider) error {
		delivered := false
		err := p.SynthesizeStream(ctx, text, voice, func(chunk []byte) error {
			delivered = true
			return onChunk(chunk)
		})
		if err != nil && delivered {
			// Audio already reached the caller; switching voices now would
			// be worse than surfacing the error.
			return &nonRetryableError{err: err}
		}
		return err
	})
}
