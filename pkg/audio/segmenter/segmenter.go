// Package segmenter implements energy-based utterance segmentation for the
// inbound telephony stream.
//
// The link delivers continuous audio even while the caller is silent, so turn
// boundaries must be recovered locally: each frame is decoded, classified as
// speech or silence by its mean rectified magnitude, and a small state machine
// accumulates frames into bounded utterances. Segmentation state is purely
// per-call, with no cross-call sharing and no external failure modes.
package segmenter

import (
	"sync"
	"time"

	"github.com/MrWong99/sonavox/pkg/audio/mulaw"
	"github.com/MrWong99/sonavox/pkg/types"
)

// Default tuning values. The thresholds are empirically tuned and
// environment/codec dependent; deployments override them via [Config].
const (
	// DefaultSpeechThreshold is the mean decoded magnitude above which a
	// frame counts as speech. The comparison happens in the decoded linear
	// domain; raw μ-law bytes are non-linear and unusable for energy math.
	DefaultSpeechThreshold = 350

	// DefaultMinSpeechFrames is the minimum number of speech frames required
	// before an utterance is emitted rather than discarded as breath/noise.
	DefaultMinSpeechFrames = 10

	// DefaultSilenceFrames is the number of consecutive silence frames
	// (~500 ms) that arms the finalize timer.
	DefaultSilenceFrames = 25

	// DefaultFinalizeDelay is the grace period between the silence threshold
	// being reached and the utterance being released, so the tail of the
	// last word is not clipped.
	DefaultFinalizeDelay = 40 * time.Millisecond
)

// Config holds the segmenter tuning knobs. Zero-value fields are replaced
// with the package defaults.
type Config struct {
	// SpeechThreshold is the frame-energy cutoff in decoded-magnitude units.
	SpeechThreshold float64

	// MinSpeechFrames is the discard threshold for short noise bursts.
	MinSpeechFrames int

	// SilenceFrames is the trailing-silence count that triggers finalization.
	SilenceFrames int

	// FinalizeDelay is the grace period before the utterance is released.
	FinalizeDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	if c.MinSpeechFrames <= 0 {
		c.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = DefaultSilenceFrames
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = DefaultFinalizeDelay
	}
	return c
}

// Segmenter converts a continuous μ-law frame stream into bounded utterances.
//
// Frames before speech onset are not retained; frames inside the
// trailing-silence window are, so word endings survive. After each emission
// or discard the state resets fully. At most one utterance is ever in flight.
//
// All methods are safe for concurrent use; Process and the finalize timer may
// race on different goroutines.
type Segmenter struct {
	cfg Config

	mu            sync.Mutex
	handler       func(types.Utterance)
	buf           []byte
	speechFrames  int
	silenceFrames int
	totalFrames   int
	speaking      bool
	start         time.Duration
	elapsed       time.Duration
	finalize      *time.Timer

	// gen invalidates finalize callbacks that fired before their timer was
	// stopped but have not yet taken the lock. Timer.Stop cannot cancel a
	// callback that is already running.
	gen uint64
}

// New creates a Segmenter with cfg (zero fields defaulted).
func New(cfg Config) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults()}
}

// OnUtterance registers handler as the utterance callback. Only one handler
// may be active at a time; subsequent calls replace the previous
// registration. The handler is invoked synchronously from Process or from
// the finalize timer goroutine and must not block for extended periods.
func (s *Segmenter) OnUtterance(handler func(types.Utterance)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Process classifies one frame and advances the state machine. Empty frames
// are dropped.
func (s *Segmenter) Process(frame []byte) {
	if len(frame) == 0 {
		return
	}

	energy := FrameEnergy(frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.elapsed += types.FrameInterval

	if energy >= s.cfg.SpeechThreshold {
		s.speechFrameLocked(frame)
		return
	}
	s.silenceFrameLocked(frame)
}

// Reset discards all accumulated state, including any pending finalize timer.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// speechFrameLocked handles a frame classified as speech.
func (s *Segmenter) speechFrameLocked(frame []byte) {
	if !s.speaking {
		s.speaking = true
		s.speechFrames = 0
		s.silenceFrames = 0
		s.totalFrames = 0
		s.buf = s.buf[:0]
		s.start = s.elapsed - types.FrameInterval
	}

	s.speechFrames++
	s.silenceFrames = 0
	s.stopTimerLocked()
	s.appendLocked(frame)
}

// silenceFrameLocked handles a frame classified as silence. Silence before
// speech onset is ignored entirely; silence inside an utterance is retained
// and counted toward the finalize threshold.
func (s *Segmenter) silenceFrameLocked(frame []byte) {
	if !s.speaking {
		return
	}

	s.silenceFrames++
	s.appendLocked(frame)

	if s.silenceFrames >= s.cfg.SilenceFrames && s.finalize == nil {
		armed := s.gen
		s.finalize = time.AfterFunc(s.cfg.FinalizeDelay, func() { s.finalizeUtterance(armed) })
	}
}

func (s *Segmenter) appendLocked(frame []byte) {
	s.buf = append(s.buf, frame...)
	s.totalFrames++
}

// finalizeUtterance releases or discards the accumulated utterance. Runs on
// the timer goroutine. A stale generation means speech resumed inside the
// grace window after this callback had already fired; the utterance stays
// open.
func (s *Segmenter) finalizeUtterance(armed uint64) {
	s.mu.Lock()

	if armed != s.gen || !s.speaking {
		s.mu.Unlock()
		return
	}

	var (
		handler func(types.Utterance)
		utt     types.Utterance
	)
	if s.speechFrames >= s.cfg.MinSpeechFrames {
		handler = s.handler
		utt = types.Utterance{
			Audio:        append([]byte(nil), s.buf...),
			SpeechFrames: s.speechFrames,
			Frames:       s.totalFrames,
			Start:        s.start,
		}
	}
	s.resetLocked()
	s.mu.Unlock()

	// Too little speech: breath or line noise, dropped silently.
	if handler != nil {
		handler(utt)
	}
}

func (s *Segmenter) resetLocked() {
	s.stopTimerLocked()
	s.buf = s.buf[:0]
	s.speechFrames = 0
	s.silenceFrames = 0
	s.totalFrames = 0
	s.speaking = false
	s.start = 0
}

func (s *Segmenter) stopTimerLocked() {
	if s.finalize != nil {
		s.finalize.Stop()
		s.finalize = nil
		s.gen++
	}
}

// FrameEnergy returns the mean rectified decoded magnitude of a μ-law frame,
// a cheap loudness proxy sufficient for speech/silence classification.
func FrameEnergy(frame []byte) float64 {
	var sum float64
	for _, b := range frame {
		v := mulaw.DecodeSample(b)
		if v < 0 {
			v = -v
		}
		sum += float64(v)
	}
	return sum / float64(len(frame))
}
