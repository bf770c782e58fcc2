// Package stt defines the Provider interface for speech-to-text backends.
//
// A provider exposes two alternative strategies for the same responsibility:
// turn-boundary detection plus text extraction. The streaming strategy holds
// a persistent recognizer channel per call: audio frames are forwarded as
// they arrive, interim results are surfaced for preview, and the provider's
// own endpointing (or a local inactivity fallback) closes each utterance. The
// batch strategy transcribes a complete utterance container in one request
// and is used as the segmenter-driven path and as the mid-call fallback when
// a streaming session fails. A deployment picks one strategy per call, never
// both.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously, one per live call.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/sonavox/pkg/types"
)

// StreamConfig describes the audio format, endpointing hints, and delivery
// callback for a new streaming session.
type StreamConfig struct {
	// Encoding is the compressed audio encoding on the wire (e.g., "mulaw").
	Encoding string

	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels; telephony is always 1.
	Channels int

	// Language is the BCP-47 language tag for recognition. Empty lets the
	// provider auto-detect, if supported.
	Language string

	// UtteranceEnd is the trailing-silence duration after which the
	// recognizer should declare the utterance over. Zero uses the provider
	// default.
	UtteranceEnd time.Duration

	// InactivityTimeout is the local fallback: when no final result arrives
	// for this long after the last one, the utterance is finalized anyway.
	// Zero disables the fallback.
	InactivityTimeout time.Duration

	// OnUtterance receives the accumulated final text exactly once per
	// utterance, on whichever endpointing signal fires first. It is invoked
	// from a session-internal goroutine and must not block for long.
	OnUtterance func(text string)
}

// SessionHandle represents an open streaming transcription session.
//
// Callers must call Close when the session is no longer needed; failing to
// do so leaks the provider connection. All methods are safe for concurrent
// use.
type SessionHandle interface {
	// SendAudio forwards a chunk of compressed audio bytes to the
	// recognizer. Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Interims returns a read-only channel emitting low-latency interim
	// transcripts. Interim text is preview-only and must never be treated
	// as the turn's final input. The channel is closed when the session ends.
	Interims() <-chan types.Transcript

	// Finalize force-closes the current utterance: the accumulated final
	// text is delivered to the OnUtterance callback and the accumulator is
	// cleared. Finalize is idempotent; a second call (or a late recognizer
	// end-of-utterance signal) for the same utterance is a no-op.
	Finalize()

	// BytesSent reports the cumulative audio bytes forwarded, for
	// diagnostics and cost accounting.
	BytesSent() int64

	// Close terminates the session, sending the recognizer's termination
	// signal if still connected. Close never fails and is safe to call
	// multiple times, including on an already-closed session.
	Close() error
}

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// StartStream opens a streaming transcription session. Returns an error
	// wrapping types.ErrUpstream if the connection cannot be established,
	// or types.ErrConfiguration for missing credentials.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)

	// Transcribe performs a whole-buffer transcription of a WAV container,
	// the batch path used by the segmenter strategy and the streaming
	// fallback.
	Transcribe(ctx context.Context, wav []byte) (string, error)
}
