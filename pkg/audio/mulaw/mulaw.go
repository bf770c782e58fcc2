// Package mulaw implements G.711 μ-law codec conversions for the telephony
// pipeline: compressed-sample ↔ linear-sample mapping and a minimal WAV
// container wrapper used by the file-based transcription fallback.
//
// All functions are stateless and safe for concurrent use.
package mulaw

import (
	"encoding/binary"

	"github.com/MrWong99/sonavox/pkg/types"
)

const (
	// bias is the G.711 μ-law encoding bias.
	bias = 0x84

	// clip is the maximum linear magnitude representable after biasing.
	clip = 32635
)

// DecodeSample converts a single μ-law byte to a signed 16-bit linear sample.
func DecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int32(mantissa)<<3 + bias) << exponent
	sample -= bias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeSample converts a signed 16-bit linear sample to a μ-law byte.
func EncodeSample(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}

	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// Decode converts a μ-law buffer to linear samples.
func Decode(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = DecodeSample(b)
	}
	return out
}

// Encode converts linear samples to a μ-law buffer.
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = EncodeSample(s)
	}
	return out
}

// wavHeaderSize is the byte length of the canonical RIFF/WAVE header.
const wavHeaderSize = 44

// WAVContainer wraps linear samples in a minimal PCM16 mono WAV container at
// the telephony sample rate, suitable for batch recognizer APIs. Empty input
// yields a valid, silent container, never an error.
func WAVContainer(samples []int16) []byte {
	payload := 2 * len(samples)
	buf := make([]byte, wavHeaderSize+payload)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+payload))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(types.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(types.SampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                          // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                         // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(payload))

	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+2*i:], uint16(s))
	}
	return buf
}
