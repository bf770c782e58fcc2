// Package types defines the shared types used across all Sonavox packages.
//
// These types form the lingua franca between the codec, segmenter, providers,
// and the call orchestrator. They are intentionally minimal: each package
// defines its own domain types, but cross-cutting data structures live here to
// avoid circular imports.
package types

import (
	"errors"
	"time"
)

// Telephony audio constants. The inbound link carries 8-bit μ-law mono at
// 8 kHz, framed in 20 ms units. Every component in the pipeline assumes this
// format; there is no per-frame metadata on the wire.
const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// FrameInterval is the duration of one audio frame.
	FrameInterval = 20 * time.Millisecond

	// FrameBytes is the byte length of one μ-law frame (one byte per sample).
	FrameBytes = SampleRate / int(time.Second/FrameInterval)

	// MulawSilence is the μ-law code for a zero-amplitude sample. Ambient
	// beds and mixed output are recentred on this value.
	MulawSilence byte = 0xFF
)

// AudioFrame is a single ~20 ms slice of μ-law audio, the atomic transport
// unit. Frames are strictly ordered and carry no embedded duration metadata.
type AudioFrame struct {
	// Data is the raw μ-law payload, normally FrameBytes long.
	Data []byte

	// Timestamp marks when this frame was received, relative to call start.
	Timestamp time.Duration
}

// Utterance is the concatenated audio for one caller turn, released by the
// segmenter once trailing silence follows a minimum amount of speech.
type Utterance struct {
	// Audio is the concatenated μ-law frame data, including the trailing
	// silence window (so word endings are not clipped).
	Audio []byte

	// SpeechFrames is the number of frames classified as speech.
	SpeechFrames int

	// Frames is the total number of frames retained.
	Frames int

	// Start marks the onset of speech relative to call start.
	Start time.Duration
}

// Duration returns the audio length of the utterance.
func (u Utterance) Duration() time.Duration {
	return time.Duration(u.Frames) * FrameInterval
}

// Transcript represents a speech-to-text result from the recognizer. Both
// interim and final results use this type.
type Transcript struct {
	// Text is the transcribed speech content for this result.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or interim
	// (preview-only) transcript. Interim text must never be treated as the
	// turn's input.
	IsFinal bool

	// Accumulated is the space-joined concatenation of the final results
	// confirmed so far for the current utterance. On an interim result it
	// holds the confirmed text preceding the preview.
	Accumulated string

	// Confidence is the recognizer's confidence score (0.0–1.0), zero when
	// not reported.
	Confidence float64
}

// Error taxonomy. Every error surfaced across a package boundary wraps
// exactly one of these sentinels so callers can dispatch with errors.Is.
var (
	// ErrConfiguration marks a missing credential, voice, or routing
	// parameter. Fail fast; the call flow must not start.
	ErrConfiguration = errors.New("configuration error")

	// ErrUpstream marks a failed or timed-out external AI service call.
	// Recoverable: the current turn is aborted and the call continues.
	ErrUpstream = errors.New("upstream service error")

	// ErrTransport marks a failure of the live audio connection itself.
	// Fatal for the affected call.
	ErrTransport = errors.New("transport error")

	// ErrData marks a malformed or truncated frame. The frame is dropped
	// and logged; accumulation continues.
	ErrData = errors.New("data error")
)
