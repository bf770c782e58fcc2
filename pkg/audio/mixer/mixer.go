// Package mixer additively blends two μ-law streams: synthesized speech in
// the foreground over an ambient bed, with tanh soft limiting so the sum
// never wraps.
//
// Mixing happens per sample in the linear domain: both inputs are decoded,
// the background is scaled by a volume in [0,1], the sum is soft-limited and
// re-encoded. The bed read offset is call-scoped state held in a [Cursor];
// concurrent calls mix independently and never share a cursor.
package mixer

import (
	"github.com/MrWong99/sonavox/pkg/audio/ambience"
	"github.com/MrWong99/sonavox/pkg/audio/mulaw"
)

// limiterCeiling is the peak linear amplitude of mixed output. Slightly under
// the μ-law clip point so re-encoding never saturates.
const limiterCeiling = 30000

// Mix blends one foreground chunk against a background slice of equal or
// greater length, returning a new μ-law buffer of len(fg). volume scales the
// background and is clamped to [0,1]. A nil/short background or zero volume
// returns the foreground unchanged.
func Mix(fg, bg []byte, volume float64) []byte {
	if len(bg) < len(fg) || volume <= 0 {
		return fg
	}
	if volume > 1 {
		volume = 1
	}

	out := make([]byte, len(fg))
	for i := range fg {
		f := float64(mulaw.DecodeSample(fg[i]))
		b := float64(mulaw.DecodeSample(bg[i]))

		mixed := ambience.SoftLimit((f+b*volume)/limiterCeiling, limiterCeiling)
		out[i] = mulaw.EncodeSample(int16(mixed))
	}
	return out
}

// Cursor tracks a single call's read offset into a looping ambient bed. The
// offset advances monotonically by chunk length and wraps modulo the bed
// length without skipping.
//
// A Cursor is owned by exactly one call session and is not safe for
// concurrent use.
type Cursor struct {
	bed    []byte
	volume float64
	offset int
}

// NewCursor creates a cursor over bed with the given background volume.
// A nil or empty bed produces a pass-through cursor.
func NewCursor(bed []byte, volume float64) *Cursor {
	return &Cursor{bed: bed, volume: volume}
}

// Next mixes fg against the bed starting at the current offset and advances
// the offset by len(fg), wrapping modulo the bed length. Without a bed the
// foreground is returned unchanged.
func (c *Cursor) Next(fg []byte) []byte {
	if len(c.bed) == 0 || c.volume <= 0 || len(fg) == 0 {
		return fg
	}

	bg := make([]byte, len(fg))
	for i := range bg {
		bg[i] = c.bed[(c.offset+i)%len(c.bed)]
	}
	c.offset = (c.offset + len(fg)) % len(c.bed)

	return Mix(fg, bg, c.volume)
}

// Offset returns the current read position within the bed.
func (c *Cursor) Offset() int { return c.offset }
