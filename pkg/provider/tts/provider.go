// Package tts defines the Provider interface for speech-synthesis backends.
//
// Two modes exist because their latency profiles differ. Whole-buffer
// synthesis returns the complete audio in one call, acceptable for the
// scripted opening greeting where the text is known before the call connects.
// Streaming synthesis delivers progressive chunks through a per-chunk
// callback so playback can begin before the full reply is generated; it is
// the mode for conversational turns, where time-to-first-audio dominates the
// perceived latency.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile identifies the synthesis voice for a call.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name, used in logs only.
	Name string
}

// ChunkFunc receives one progressive audio chunk. Returning an error aborts
// the stream; the provider propagates it to the SynthesizeStream caller.
type ChunkFunc func(chunk []byte) error

// Provider is the abstraction over any speech-synthesis backend. Output is
// always μ-law 8 kHz mono, matching the telephony link.
type Provider interface {
	// Synthesize renders text to a complete audio buffer in one request.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// SynthesizeStream renders text progressively, invoking onChunk for
	// each audio chunk as soon as it arrives; chunks are never buffered
	// whole before delivery. A mid-stream transport error terminates the
	// chunk sequence and is returned; the stream never truncates silently.
	SynthesizeStream(ctx context.Context, text string, voice VoiceProfile, onChunk ChunkFunc) error
}
