// Package session orchestrates a live voice conversation: it owns the
// connection lifecycle and wires the capture pipeline, the remote session,
// the playback scheduler and the transcript assembler together.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yegors/voicelink/internal/ai"
	"github.com/yegors/voicelink/internal/audio"
	"github.com/yegors/voicelink/internal/capture"
	"github.com/yegors/voicelink/internal/pcm"
	"github.com/yegors/voicelink/internal/playback"
	"github.com/yegors/voicelink/internal/transcript"
	"github.com/yegors/voicelink/pkg/logger"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrSessionActive is returned by Connect when a session is already
// connecting or connected.
var ErrSessionActive = errors.New("session already active")

// Config holds the per-session parameters forwarded to the remote provider.
type Config struct {
	Model            string
	Voice            string
	Language         string
	SystemPrompt     string
	InputSampleRate  int
	OutputSampleRate int
}

// Snapshot is a point-in-time view of the session for status reporting.
type Snapshot struct {
	State          State   `json:"state"`
	Message        string  `json:"message,omitempty"`
	Loudness       float64 `json:"loudness"`
	QueuedSegments int     `json:"queued_segments"`
	Entries        int     `json:"entries"`
}

// Controller is the session state machine. Exactly one controller is live
// per process; it owns the audio devices exclusively while connected.
//
// All inbound remote events are handled by a single dispatch goroutine, so
// playback and transcript mutations are never concurrent with each other.
type Controller struct {
	config    Config
	capture   *capture.Pipeline
	playback  *playback.Scheduler
	provider  ai.RemoteProvider
	assembler *transcript.Assembler
	logger    *logger.Logger

	mu         sync.Mutex
	state      State
	message    string
	remote     ai.RemoteSession
	generation int // bumped on every teardown so stale dispatch loops cannot act

	onState   func(state State, message string)
	onPartial func(user, agent string)
}

// NewController wires a controller over its collaborators. The assembler's
// committed-entry callback stays available for persistence and broadcast.
func NewController(
	config Config,
	capturePipeline *capture.Pipeline,
	scheduler *playback.Scheduler,
	provider ai.RemoteProvider,
	assembler *transcript.Assembler,
	log *logger.Logger,
) *Controller {
	return &Controller{
		config:    config,
		capture:   capturePipeline,
		playback:  scheduler,
		provider:  provider,
		assembler: assembler,
		logger:    log.Named("session"),
		state:     StateDisconnected,
	}
}

// SetStateListener registers a callback for state transitions. Must be set
// before the first Connect.
func (c *Controller) SetStateListener(fn func(state State, message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// SetPartialListener registers a callback fired whenever either side's
// uncommitted transcript text changes. Must be set before the first Connect.
func (c *Controller) SetPartialListener(fn func(user, agent string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPartial = fn
}

// Connect starts a new session: clears the previous transcript, acquires
// the local audio devices, then dials the remote service. A microphone
// permission failure stops the attempt before any remote call is made.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.state = StateConnecting
	c.message = ""
	generation := c.generation
	c.mu.Unlock()
	c.notifyState(StateConnecting, "")

	c.assembler.Reset()
	c.notifyPartials()

	if err := c.playback.Start(); err != nil {
		c.failConnect(generation, "Audio output unavailable", err)
		return err
	}

	if err := c.capture.Start(c.sendFrame); err != nil {
		message := "Microphone unavailable"
		if errors.Is(err, audio.ErrPermissionDenied) {
			message = "Microphone permission denied"
		}
		c.playback.Teardown()
		c.failConnect(generation, message, err)
		return err
	}

	remote, err := c.provider.Dial(ctx, ai.SessionConfig{
		Model:            c.config.Model,
		Voice:            c.config.Voice,
		Language:         c.config.Language,
		SystemPrompt:     c.config.SystemPrompt,
		InputSampleRate:  c.config.InputSampleRate,
		OutputSampleRate: c.config.OutputSampleRate,
	})
	if err != nil {
		c.capture.Stop()
		c.playback.Teardown()
		c.failConnect(generation, "Failed to reach voice service", err)
		return err
	}

	c.mu.Lock()
	if c.generation != generation {
		// Disconnect raced the dial; drop the fresh remote session and
		// release the devices this attempt acquired, since the racing
		// Disconnect ran before they were started.
		c.mu.Unlock()
		remote.Close()
		c.capture.Stop()
		c.playback.Teardown()
		return fmt.Errorf("session cancelled during connect")
	}
	c.remote = remote
	c.state = StateConnected
	c.mu.Unlock()
	c.notifyState(StateConnected, "")
	c.logger.Info("Session connected", logger.String("model", c.config.Model))

	go c.dispatch(remote, generation)
	return nil
}

// failConnect records a failed connect attempt, unless a concurrent
// Disconnect already tore the attempt down.
func (c *Controller) failConnect(generation int, message string, err error) {
	c.logger.Error("Connect failed", logger.String("reason", message), logger.Error(err))
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.state = StateError
	c.message = message
	c.mu.Unlock()
	c.notifyState(StateError, message)
}

// sendFrame forwards one encoded capture frame to the remote session. It is
// called from the capture device callback; frames arriving outside a
// connected session are dropped.
func (c *Controller) sendFrame(blob pcm.Blob) {
	c.mu.Lock()
	remote := c.remote
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || remote == nil {
		return
	}
	if err := remote.SendAudio(blob); err != nil {
		c.logger.Warn("Failed to send capture frame", logger.Error(err))
	}
}

// dispatch is the single consumer of the remote event stream.
func (c *Controller) dispatch(remote ai.RemoteSession, generation int) {
	for event := range remote.Events() {
		switch e := event.(type) {
		case ai.InputTranscript:
			c.assembler.AppendUserPartial(e.Text)
			c.notifyPartials()

		case ai.OutputTranscript:
			c.assembler.AppendAgentPartial(e.Text)
			c.notifyPartials()

		case ai.Audio:
			frame, err := pcm.DecodeBlobFrame(e.Blob, c.config.OutputSampleRate, 1)
			if err != nil {
				// One bad frame must not end a live conversation.
				c.logger.Warn("Skipping malformed audio payload", logger.Error(err))
				continue
			}
			c.playback.Enqueue(frame)

		case ai.TurnComplete:
			committed := c.assembler.CommitTurn()
			if len(committed) > 0 {
				c.logger.Debug("Turn committed", logger.Int("entries", len(committed)))
			}
			c.notifyPartials()

		case ai.Interrupted:
			c.logger.Info("Agent interrupted by user speech")
			c.playback.Interrupt()
			c.assembler.DiscardAgentPartial()
			c.notifyPartials()

		case ai.ErrorEvent:
			c.finish(remote, generation, StateError, "Voice service error")
			c.logger.Error("Remote session error", logger.Error(e.Err))
			return

		case ai.ClosedEvent:
			c.finish(remote, generation, StateDisconnected, "")
			c.logger.Info("Remote session closed", logger.String("reason", e.Reason))
			return
		}
	}
	// Event channel closed without a terminal event.
	c.finish(remote, generation, StateDisconnected, "")
}

// finish tears the session down on behalf of the dispatch goroutine. A
// stale generation means Disconnect or a newer Connect already did it.
func (c *Controller) finish(remote ai.RemoteSession, generation int, state State, message string) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.remote = nil
	c.state = state
	c.message = message
	c.mu.Unlock()

	remote.Close()
	c.capture.Stop()
	c.playback.Teardown()
	c.assembler.ClearPartials()
	c.notifyPartials()
	c.notifyState(state, message)
}

// Disconnect tears the session down from any state, including mid-connect.
// Idempotent; teardown of an already-broken remote is best-effort. The
// committed transcript survives for export.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	alreadyDown := c.state == StateDisconnected && c.remote == nil
	c.generation++
	remote := c.remote
	c.remote = nil
	c.state = StateDisconnected
	c.message = ""
	c.mu.Unlock()

	if remote != nil {
		remote.Close()
	}
	c.capture.Stop()
	c.playback.Teardown()
	c.assembler.ClearPartials()

	if !alreadyDown {
		c.notifyPartials()
		c.notifyState(StateDisconnected, "")
		c.logger.Info("Session disconnected")
	}
}

// Interrupt force-stops in-flight agent audio and discards the agent's
// uncommitted transcript, without touching the session itself.
func (c *Controller) Interrupt() {
	c.playback.Interrupt()
	c.assembler.DiscardAgentPartial()
	c.notifyPartials()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a point-in-time view for the status endpoint.
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	state := c.state
	message := c.message
	c.mu.Unlock()

	return Snapshot{
		State:          state,
		Message:        message,
		Loudness:       c.capture.Loudness(),
		QueuedSegments: c.playback.ActiveCount(),
		Entries:        c.assembler.Len(),
	}
}

func (c *Controller) notifyState(state State, message string) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state, message)
	}
}

func (c *Controller) notifyPartials() {
	c.mu.Lock()
	fn := c.onPartial
	c.mu.Unlock()
	if fn != nil {
		user, agent := c.assembler.Partials()
		fn(user, agent)
	}
}
