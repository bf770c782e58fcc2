// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// HTTP synthesis APIs with μ-law telephony output. It implements the
// tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/sonavox/pkg/provider/tts"
	"github.com/MrWong99/sonavox/pkg/types"
)

const (
	synthesizeEndpointFmt = "https://api.elevenlabs.io/v1/text-to-speech/%s"
	streamEndpointFmt     = "https://api.elevenlabs.io/v1/text-to-speech/%s/stream"

	defaultModel = "eleven_flash_v2_5"

	// outputFormat requests μ-law 8 kHz directly so no transcoding is
	// needed before the telephony link.
	outputFormat = "ulaw_8000"

	// streamReadSize is the read granularity for progressive chunks.
	streamReadSize = 4096
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient overrides the HTTP client, including its timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithFirstAudioHook registers hook to receive the request-start → first-chunk
// latency of every streaming synthesis. Used to feed the latency histograms.
func WithFirstAudioHook(hook func(time.Duration)) Option {
	return func(p *Provider) {
		p.firstAudio = hook
	}
}

// Provider implements tts.Provider backed by the ElevenLabs API.
type Provider struct {
	apiKey     string
	model      string
	httpClient *http.Client
	firstAudio func(time.Duration)
}

// New creates a new ElevenLabs Provider. A missing apiKey is a configuration
// error.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: apiKey must not be empty: %w", types.ErrConfiguration)
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// synthesisRequest is the JSON body for both synthesis endpoints.
type synthesisRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize renders text to a complete μ-law buffer in one request.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	resp, err := p.post(ctx, fmt.Sprintf(synthesizeEndpointFmt, voice.ID), text, voice)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read body: %w: %w", err, types.ErrUpstream)
	}
	return audio, nil
}

// SynthesizeStream renders text progressively. Each chunk is forwarded to
// onChunk the moment it is read; the first-chunk latency is recorded for
// observability. A mid-stream read error terminates the sequence and is
// returned.
func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile, onChunk tts.ChunkFunc) error {
	start := time.Now()

	resp, err := p.post(ctx, fmt.Sprintf(streamEndpointFmt, voice.ID), text, voice)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	first := true
	buf := make([]byte, streamReadSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if first {
				first = false
				if p.firstAudio != nil {
					p.firstAudio(time.Since(start))
				}
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cbErr := onChunk(chunk); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("elevenlabs: mid-stream read: %w: %w", err, types.ErrUpstream)
		}
	}
}

// post issues a synthesis request and validates the response status. The
// voice must be configured; an upstream failure surfaces its HTTP status.
func (p *Provider) post(ctx context.Context, endpoint, text string, voice tts.VoiceProfile) (*http.Response, error) {
	if voice.ID == "" {
		return nil, fmt.Errorf("elevenlabs: voice ID must not be empty: %w", types.ErrConfiguration)
	}

	body, err := json.Marshal(synthesisRequest{
		Text:    text,
		ModelID: p.model,
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?output_format="+outputFormat, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/basic")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request: %w: %w", err, types.ErrUpstream)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &UpstreamError{Status: resp.StatusCode, Detail: string(detail)}
	}
	return resp, nil
}

// UpstreamError carries the upstream HTTP status of a failed synthesis call.
type UpstreamError struct {
	Status int
	Detail string
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("elevenlabs: upstream status %d: %s", e.Status, e.Detail)
}

// Unwrap ties the error into the shared taxonomy.
func (e *UpstreamError) Unwrap() error { return types.ErrUpstream }

// Is supports errors.Is matching against another UpstreamError regardless of
// detail text.
func (e *UpstreamError) Is(target error) bool {
	var other *UpstreamError
	if errors.As(target, &other) {
		return other.Status == e.Status
	}
	return false
}
