// Package ambience procedurally generates loopable background-noise beds that
// are mixed under synthesized speech so calls do not sound sterile.
//
// The synthesis integrates uniform random noise through a one-pole low-pass
// filter, yielding a low-frequency-weighted ("brown") signal, passes it
// through a bounded tanh soft limiter, and quantizes the result into μ-law
// recentred on the silence code. Beds are generated once per flavor and held
// for the process lifetime; callers loop over them by modulo indexing.
package ambience

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/sonavox/pkg/audio/mulaw"
	"github.com/MrWong99/sonavox/pkg/types"
)

// Flavor names a background-noise preset. Amplitude and smoothing are fixed
// per flavor, so deployments pick a name rather than free-form tuning values.
type Flavor string

const (
	// FlavorNone disables ambience entirely.
	FlavorNone Flavor = "none"

	// FlavorSubtle is a quiet room tone.
	FlavorSubtle Flavor = "subtle"

	// FlavorBusy is a louder office-like murmur.
	FlavorBusy Flavor = "busy"
)

// IsValid reports whether f is a recognised flavor.
func (f Flavor) IsValid() bool {
	switch f {
	case FlavorNone, FlavorSubtle, FlavorBusy:
		return true
	}
	return false
}

// BedDuration is the fixed length of every generated bed.
const BedDuration = 10 * time.Second

// preset holds the synthesis parameters for one flavor.
type preset struct {
	// amplitude is the target peak linear amplitude after limiting.
	amplitude float64

	// smoothing is the one-pole low-pass coefficient in [0,1); higher values
	// weight lower frequencies more heavily.
	smoothing float64
}

var presets = map[Flavor]preset{
	FlavorSubtle: {amplitude: 600, smoothing: 0.985},
	FlavorBusy:   {amplitude: 2200, smoothing: 0.955},
}

// Cache is a lazily-populated, read-only-after-write map of generated beds.
// Generation is idempotent: concurrent requests for the same flavor are
// collapsed so each bed is synthesized at most once per process.
type Cache struct {
	// AssetDir, when non-empty, is searched for a pre-recorded bed file
	// named <flavor>.ulaw before synthesis is attempted.
	AssetDir string

	group singleflight.Group

	mu   sync.RWMutex
	beds map[Flavor][]byte
}

// NewCache creates an empty bed cache.
func NewCache() *Cache {
	return &Cache{beds: make(map[Flavor][]byte)}
}

// Bed returns the loopable μ-law bed for flavor, generating it on first use.
// FlavorNone and unknown flavors yield a nil bed.
func (c *Cache) Bed(flavor Flavor) []byte {
	if flavor == FlavorNone || !flavor.IsValid() {
		return nil
	}

	c.mu.RLock()
	bed, ok := c.beds[flavor]
	c.mu.RUnlock()
	if ok {
		return bed
	}

	v, _, _ := c.group.Do(string(flavor), func() (any, error) {
		bed := c.load(flavor)
		if bed == nil {
			bed = Generate(flavor)
		}
		c.mu.Lock()
		c.beds[flavor] = bed
		c.mu.Unlock()
		return bed, nil
	})
	return v.([]byte)
}

// Prewarm generates all beds for the given flavors up front, typically at
// startup so the first call does not pay the synthesis cost.
func (c *Cache) Prewarm(flavors ...Flavor) {
	for _, f := range flavors {
		c.Bed(f)
	}
}

// load returns a pre-recorded bed from AssetDir, or nil when absent.
func (c *Cache) load(flavor Flavor) []byte {
	if c.AssetDir == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(c.AssetDir, fmt.Sprintf("%s.ulaw", flavor)))
	if err != nil || len(data) == 0 {
		return nil
	}
	return data
}

// Generate synthesizes a fixed-duration μ-law noise bed for flavor. Unknown
// flavors and FlavorNone yield nil.
func Generate(flavor Flavor) []byte {
	p, ok := presets[flavor]
	if !ok {
		return nil
	}

	n := int(BedDuration/types.FrameInterval) * types.FrameBytes
	bed := make([]byte, n)

	var level float64
	for i := 0; i < n; i++ {
		// Integrate uniform noise through a one-pole low-pass.
		level = p.smoothing*level + (1-p.smoothing)*(rand.Float64()*2-1)

		// Soft-limit and scale. The filter output is well under ±1, so a
		// fixed drive factor brings it into the useful tanh range.
		sample := SoftLimit(level*8, p.amplitude)
		bed[i] = mulaw.EncodeSample(int16(sample))
	}
	return bed
}

// SoftLimit maps v through a hyperbolic-tangent limiter scaled so the output
// magnitude never exceeds amplitude.
func SoftLimit(v, amplitude float64) float64 {
	return amplitude * math.Tanh(v)
}
