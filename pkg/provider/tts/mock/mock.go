// Package mock provides an in-memory tts.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sonavox/pkg/provider/tts"
)

// Provider is a scriptable tts.Provider. The zero value synthesizes empty
// audio.
type Provider struct {
	mu sync.Mutex

	// Audio is returned (whole) by Synthesize and delivered in ChunkSize
	// pieces by SynthesizeStream.
	Audio []byte

	// ChunkSize controls streaming granularity. Zero means one chunk.
	ChunkSize int

	// Err, when set, fails every call.
	Err error

	// Delay, when set, is waited (or ctx expiry, whichever first) before
	// responding. Used to simulate slow upstream synthesis.
	Delay func(ctx context.Context) error

	// SynthesizeCalls and StreamCalls count invocations.
	SynthesizeCalls int
	StreamCalls     int
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize returns the scripted audio buffer.
func (p *Provider) Synthesize(ctx context.Context, _ string, _ tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls++
	delay, err, audio := p.Delay, p.Err, p.Audio
	p.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return nil, derr
		}
	}
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// SynthesizeStream delivers the scripted audio in chunks.
func (p *Provider) SynthesizeStream(ctx context.Context, _ string, _ tts.VoiceProfile, onChunk tts.ChunkFunc) error {
	p.mu.Lock()
	p.StreamCalls++
	delay, err, audio, size := p.Delay, p.Err, p.Audio, p.ChunkSize
	p.mu.Unlock()

	if delay != nil {
		if derr := delay(ctx); derr != nil {
			return derr
		}
	}
	if err != nil {
		return err
	}
	if size <= 0 {
		size = len(audio)
	}
	for off := 0; off < len(audio); off += size {
		end := off + size
		if end > len(audio) {
			end = len(audio)
		}
		if cbErr := onChunk(audio[off:end]); cbErr != nil {
			return cbErr
		}
	}
	return nil
}
