// Package ai defines the provider-agnostic surface for realtime voice
// sessions with an AI backend. Concrete providers live in subpackages.
package ai

import (
	"context"

	"github.com/yegors/voicelink/internal/pcm"
)

// SessionConfig holds the parameters a provider needs to open a realtime
// voice session.
type SessionConfig struct {
	Model            string
	Voice            string
	Language         string // spoken language directive, empty lets the model decide
	SystemPrompt     string
	InputSampleRate  int // Hz
	OutputSampleRate int // Hz
}

// RemoteProvider opens realtime sessions against a specific backend.
type RemoteProvider interface {
	// Dial establishes the remote session. The returned session is live:
	// audio may be sent and events consumed immediately.
	Dial(ctx context.Context, config SessionConfig) (RemoteSession, error)
}

// RemoteSession is an established bidirectional voice session. Events are
// delivered on a single channel in the order the backend produced them; the
// channel is closed after a terminal ErrorEvent or ClosedEvent.
type RemoteSession interface {
	// SendAudio forwards one encoded capture frame to the backend.
	SendAudio(blob pcm.Blob) error

	// Events returns the ordered stream of session events.
	Events() <-chan RemoteEvent

	// Close tears the session down. Safe to call more than once.
	Close() error
}

// RemoteEvent is one decoded event from the backend. The concrete types
// below form a closed set; consumers switch on them.
type RemoteEvent interface {
	isRemoteEvent()
}

// InputTranscript is a partial transcription fragment of the user's speech.
type InputTranscript struct {
	Text string
}

// OutputTranscript is a partial transcription fragment of the agent's
// spoken response.
type OutputTranscript struct {
	Text string
}

// Audio is one chunk of the agent's synthesized speech.
type Audio struct {
	Blob pcm.Blob
}

// TurnComplete marks the end of an agent response turn.
type TurnComplete struct{}

// Interrupted signals that the backend detected the user speaking over the
// agent and abandoned the in-flight response.
type Interrupted struct{}

// ErrorEvent reports a fatal session error. No further events follow.
type ErrorEvent struct {
	Err error
}

// ClosedEvent reports that the backend closed the session. No further
// events follow.
type ClosedEvent struct {
	Reason string
}

func (InputTranscript) isRemoteEvent()  {}
func (OutputTranscript) isRemoteEvent() {}
func (Audio) isRemoteEvent()            {}
func (TurnComplete) isRemoteEvent()     {}
func (Interrupted) isRemoteEvent()      {}
func (ErrorEvent) isRemoteEvent()       {}
func (ClosedEvent) isRemoteEvent()      {}
