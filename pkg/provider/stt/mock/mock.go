// Package mock provides an in-memory stt.Provider for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/sonavox/pkg/provider/stt"
	"github.com/MrWong99/sonavox/pkg/types"
)

// Provider is a scriptable stt.Provider. The zero value is usable.
type Provider struct {
	mu sync.Mutex

	// TranscribeText is returned by every Transcribe call.
	TranscribeText string

	// TranscribeErr, when set, is returned instead.
	TranscribeErr error

	// StartErr, when set, fails StartStream.
	StartErr error

	// TranscribeCalls counts batch transcriptions.
	TranscribeCalls int

	// Sessions records every session handed out.
	Sessions []*Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream returns a new scripted session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	s := &Session{
		onUtterance: cfg.OnUtterance,
		interims:    make(chan types.Transcript, 16),
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Transcribe returns the scripted batch result.
func (p *Provider) Transcribe(context.Context, []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls++
	if p.TranscribeErr != nil {
		return "", p.TranscribeErr
	}
	return p.TranscribeText, nil
}

// Session is a scriptable stt.SessionHandle. Tests drive it by calling
// PushFinal and Finalize directly.
type Session struct {
	onUtterance func(string)
	interims    chan types.Transcript

	mu        sync.Mutex
	finals    []string
	bytesSent int64
	closed    bool
}

var _ stt.SessionHandle = (*Session)(nil)

// SendAudio records the chunk size.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session closed")
	}
	s.bytesSent += int64(len(chunk))
	return nil
}

// Interims returns the interim preview channel.
func (s *Session) Interims() <-chan types.Transcript { return s.interims }

// PushFinal appends a final result to the accumulator, as if the recognizer
// had committed one.
func (s *Session) PushFinal(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, text)
}

// Finalize delivers the accumulated text exactly once.
func (s *Session) Finalize() {
	s.mu.Lock()
	if len(s.finals) == 0 {
		s.mu.Unlock()
		return
	}
	text := s.finals[0]
	for _, f := range s.finals[1:] {
		text += " " + f
	}
	s.finals = s.finals[:0]
	handler := s.onUtterance
	s.mu.Unlock()

	if handler != nil {
		handler(text)
	}
}

// BytesSent reports cumulative bytes from SendAudio.
func (s *Session) BytesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesSent
}

// Close marks the session closed. Never fails.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.interims)
	}
	return nil
}
