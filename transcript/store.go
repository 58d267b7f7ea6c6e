// Package transcript accumulates per-call conversation transcripts and hands
// them to persistence sinks when the call ends.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	convai "github.com/agentplexus/omnivoice-convai"
)

// ErrUnknownCall is returned when no transcript buffer exists for a call,
// either because it never started or because it was already flushed.
var ErrUnknownCall = errors.New("transcript: unknown call")

// Speaker labels who produced an utterance.
type Speaker string

const (
	// SpeakerAgent marks agent_response text.
	SpeakerAgent Speaker = "agent"
	// SpeakerCaller marks user_transcript text.
	SpeakerCaller Speaker = "caller"
)

// Utterance is one labeled line of the conversation.
type Utterance struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Transcript is the accumulated conversation of one call.
type Transcript struct {
	CallSID    string      `json:"call_sid"`
	StreamSID  string      `json:"stream_sid,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at,omitempty"`
	Utterances []Utterance `json:"utterances"`
}

// Labels maps speakers to the names used in rendered text.
type Labels struct {
	Agent  string `yaml:"agent"`
	Caller string `yaml:"caller"`
}

// DefaultLabels returns the default speaker labels.
func DefaultLabels() Labels {
	return Labels{Agent: convai.DefaultAgentLabel, Caller: convai.DefaultCallerLabel}
}

func (l Labels) label(s Speaker) string {
	switch s {
	case SpeakerAgent:
		if l.Agent != "" {
			return l.Agent
		}
		return convai.DefaultAgentLabel
	case SpeakerCaller:
		if l.Caller != "" {
			return l.Caller
		}
		return convai.DefaultCallerLabel
	default:
		return string(s)
	}
}

// Render formats the transcript as "Label: text" lines.
func (t Transcript) Render(labels Labels) string {
	var b strings.Builder
	for _, u := range t.Utterances {
		b.WriteString(labels.label(u.Speaker))
		b.WriteString(": ")
		b.WriteString(u.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Store keeps one append-only transcript buffer per call SID.
// It is safe for concurrent use by independent bridges.
type Store struct {
	sink Sink
	now  func() time.Time

	mu      sync.Mutex
	buffers map[string]*Transcript
}

// Option configures the Store.
type Option func(*Store)

// WithSink sets where flushed transcripts are delivered.
func WithSink(sink Sink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		buffers: make(map[string]*Transcript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates an empty buffer for callSID. If the call already has one, the
// buffer is kept and moved to streamSID so a reconnected stream continues the
// same transcript.
func (s *Store) Start(callSID, streamSID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.buffers[callSID]; ok {
		t.StreamSID = streamSID
		return
	}
	s.buffers[callSID] = &Transcript{
		CallSID:   callSID,
		StreamSID: streamSID,
		StartedAt: s.now(),
	}
}

// Append adds an utterance to the buffer for callSID.
func (s *Store) Append(callSID string, speaker Speaker, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.buffers[callSID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callSID)
	}
	t.Utterances = append(t.Utterances, Utterance{Speaker: speaker, Text: text, At: s.now()})
	return nil
}

// Snapshot returns a copy of the current transcript for callSID.
func (s *Store) Snapshot(callSID string) (Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.buffers[callSID]
	if !ok {
		return Transcript{}, false
	}
	out := *t
	out.Utterances = append([]Utterance(nil), t.Utterances...)
	return out, true
}

// Take removes and returns the transcript for callSID. Appends after Take fail
// with ErrUnknownCall.
func (s *Store) Take(callSID string) (Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.buffers[callSID]
	if !ok {
		return Transcript{}, false
	}
	delete(s.buffers, callSID)
	t.EndedAt = s.now()
	return *t, true
}

// Flush takes the transcript for callSID and delivers it to the sink.
func (s *Store) Flush(ctx context.Context, callSID string) error {
	t, ok := s.Take(callSID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callSID)
	}
	if s.sink == nil {
		return nil
	}
	if err := s.sink.Save(ctx, t); err != nil {
		return fmt.Errorf("save transcript for %s: %w", callSID, err)
	}
	return nil
}

// Len returns the number of open buffers.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Reset drops every buffer without flushing.
func (s *Store) Reset() {
	s.mu.Lock()
	s.buffers = make(map[string]*Transcript)
	s.mu.Unlock()
}
