package callsession

import (
	"sync"
	"time"

	"github.com/MrWong99/sonavox/pkg/types"
)

// frameQueue cuts arbitrarily sized synthesis chunks into fixed
// [types.FrameBytes] frames for paced emission. Chunk boundaries from the
// provider carry no meaning on the wire, so bytes are pooled and re-framed.
//
// Safe for concurrent use: the synthesis callback pushes while the emit
// goroutine pops.
type frameQueue struct {
	mu  sync.Mutex
	buf []byte
}

func newFrameQueue() *frameQueue {
	return &frameQueue{}
}

// Push appends chunk bytes to the pool.
func (q *frameQueue) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.mu.Lock()
	q.buf = append(q.buf, chunk...)
	q.mu.Unlock()
}

// PopFrame removes and returns one full frame, or nil when less than a full
// frame is pooled.
func (q *frameQueue) PopFrame() []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) < types.FrameBytes {
		return nil
	}
	frame := make([]byte, types.FrameBytes)
	copy(frame, q.buf[:types.FrameBytes])
	q.buf = q.buf[types.FrameBytes:]
	return frame
}

// Flush pads any trailing partial frame with μ-law silence so the tail of
// the utterance is emitted rather than stranded below the frame boundary.
func (q *frameQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	rem := len(q.buf) % types.FrameBytes
	if rem == 0 {
		return
	}
	for i := rem; i < types.FrameBytes; i++ {
		q.buf = append(q.buf, types.MulawSilence)
	}
}

// Drop discards all pooled audio. Used when a synthesis stream fails
// mid-reply so a truncated sentence is not played out.
func (q *frameQueue) Drop() {
	q.mu.Lock()
	q.buf = q.buf[:0]
	q.mu.Unlock()
}

// QueuedDuration returns the playout time of the pooled audio at one frame
// per [types.FrameInterval], counting a trailing partial frame as a full one.
func (q *frameQueue) QueuedDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := (len(q.buf) + types.FrameBytes - 1) / types.FrameBytes
	return time.Duration(frames) * types.FrameInterval
}

// Empty reports whether no audio is pooled.
func (q *frameQueue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) == 0
}

// emitLoop is the session's single outbound goroutine. One frame leaves per
// [types.FrameInterval], never more: queued speech first, otherwise a bed
// frame when an ambience bed is configured, otherwise nothing. Every emitted
// frame passes through the ambience cursor so the bed stays continuous under
// and between replies.
func (s *Session) emitLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(types.FrameInterval)
	defer ticker.Stop()

	silence := make([]byte, types.FrameBytes)
	for i := range silence {
		silence[i] = types.MulawSilence
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		frame := s.frames.PopFrame()
		if frame == nil {
			if len(s.cfg.Bed) == 0 || s.cfg.BedVolume <= 0 {
				continue
			}
			frame = silence
		}

		if err := s.cfg.Emit(s.cursor.Next(frame)); err != nil {
			s.log.Warn("transport emit failed, terminating call", "error", err)
			go s.Terminate("transport_error")
			return
		}
	}
}
