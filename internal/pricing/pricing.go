// Package pricing tracks per-call provider usage and converts it into an
// estimated cost breakdown.
//
// Each active call owns a Ledger. The session layer records usage as it
// happens (audio seconds sent to transcription, tokens consumed by the
// language model, characters synthesized) and the gateway reads the
// accumulated totals when the call ends. Recording and reading may happen
// from different goroutines, so all counters are atomic.
package pricing

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Service identifies a billable upstream service.
type Service string

const (
	// ServiceSTT is streaming or batch speech transcription.
	ServiceSTT Service = "stt"
	// ServiceLLM is language-model completion.
	ServiceLLM Service = "llm"
	// ServiceTTS is speech synthesis.
	ServiceTTS Service = "tts"
	// ServiceTelephony is the carrier leg of the call.
	ServiceTelephony Service = "telephony"
)

// Rates holds the unit prices used to estimate call cost.
// Zero values are valid and simply contribute nothing to the total.
type Rates struct {
	// STTPerMinute is the transcription price per audio minute, in USD.
	STTPerMinute float64
	// LLMPerMillionInput is the completion price per million input tokens, in USD.
	LLMPerMillionInput float64
	// LLMPerMillionOutput is the completion price per million output tokens, in USD.
	LLMPerMillionOutput float64
	// TTSPerThousandChars is the synthesis price per thousand characters, in USD.
	TTSPerThousandChars float64
	// TelephonyPerMinute is the carrier price per call minute, in USD.
	TelephonyPerMinute float64
}

// DefaultRates approximates current published list prices for the default
// provider stack. Override via configuration for accurate accounting.
func DefaultRates() Rates {
	return Rates{
		STTPerMinute:        0.0059,
		LLMPerMillionInput:  0.15,
		LLMPerMillionOutput: 0.60,
		TTSPerThousandChars: 0.10,
		TelephonyPerMinute:  0.014,
	}
}

// Usage is a point-in-time snapshot of a ledger's accumulated counters.
type Usage struct {
	// STTAudio is the total audio duration submitted for transcription.
	STTAudio time.Duration
	// LLMInputTokens is the total prompt tokens consumed.
	LLMInputTokens int64
	// LLMOutputTokens is the total completion tokens produced.
	LLMOutputTokens int64
	// TTSChars is the total characters submitted for synthesis.
	TTSChars int64
	// CallDuration is the wall-clock duration of the call leg.
	CallDuration time.Duration
}

// Cost is an estimated cost breakdown in USD.
type Cost struct {
	STT       float64
	LLM       float64
	TTS       float64
	Telephony float64
	Total     float64
}

// String renders the breakdown for logs.
func (c Cost) String() string {
	return fmt.Sprintf("total=$%.4f (stt=$%.4f llm=$%.4f tts=$%.4f telephony=$%.4f)",
		c.Total, c.STT, c.LLM, c.TTS, c.Telephony)
}

// Ledger accumulates usage counters for a single call.
// All methods are safe for concurrent use.
type Ledger struct {
	sttAudioMicros  atomic.Int64
	llmInputTokens  atomic.Int64
	llmOutputTokens atomic.Int64
	ttsChars        atomic.Int64
	callMicros      atomic.Int64
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// AddSTTAudio records audio submitted for transcription.
func (l *Ledger) AddSTTAudio(d time.Duration) {
	if d > 0 {
		l.sttAudioMicros.Add(d.Microseconds())
	}
}

// AddLLMTokens records prompt and completion tokens from one completion.
func (l *Ledger) AddLLMTokens(input, output int) {
	if input > 0 {
		l.llmInputTokens.Add(int64(input))
	}
	if output > 0 {
		l.llmOutputTokens.Add(int64(output))
	}
}

// AddTTSChars records characters submitted for synthesis.
func (l *Ledger) AddTTSChars(n int) {
	if n > 0 {
		l.ttsChars.Add(int64(n))
	}
}

// SetCallDuration records the final wall-clock duration of the call.
// Later calls overwrite earlier ones.
func (l *Ledger) SetCallDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.callMicros.Store(d.Microseconds())
}

// Snapshot returns the current accumulated usage.
func (l *Ledger) Snapshot() Usage {
	return Usage{
		STTAudio:        time.Duration(l.sttAudioMicros.Load()) * time.Microsecond,
		LLMInputTokens:  l.llmInputTokens.Load(),
		LLMOutputTokens: l.llmOutputTokens.Load(),
		TTSChars:        l.ttsChars.Load(),
		CallDuration:    time.Duration(l.callMicros.Load()) * time.Microsecond,
	}
}

// Estimate converts usage into a cost breakdown under the given rates.
func Estimate(u Usage, r Rates) Cost {
	c := Cost{
		STT:       u.STTAudio.Minutes() * r.STTPerMinute,
		LLM:       float64(u.LLMInputTokens)/1e6*r.LLMPerMillionInput + float64(u.LLMOutputTokens)/1e6*r.LLMPerMillionOutput,
		TTS:       float64(u.TTSChars) / 1000 * r.TTSPerThousandChars,
		Telephony: u.CallDuration.Minutes() * r.TelephonyPerMinute,
	}
	c.Total = c.STT + c.LLM + c.TTS + c.Telephony
	return c
}
