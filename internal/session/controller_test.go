package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yegors/voicelink/internal/ai"
	"github.com/yegors/voicelink/internal/audio"
	"github.com/yegors/voicelink/internal/capture"
	"github.com/yegors/voicelink/internal/pcm"
	"github.com/yegors/voicelink/internal/playback"
	"github.com/yegors/voicelink/internal/transcript"
	"github.com/yegors/voicelink/pkg/logger"
)

type fakeCaptureDevice struct {
	mu       sync.Mutex
	onFrame  func([]int16)
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (d *fakeCaptureDevice) Start(onFrame func([]int16)) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.mu.Lock()
	d.onFrame = onFrame
	d.mu.Unlock()
	d.started.Store(true)
	return nil
}

func (d *fakeCaptureDevice) Stop() error {
	d.stopped.Store(true)
	return nil
}

func (d *fakeCaptureDevice) emit(samples []int16) {
	d.mu.Lock()
	fn := d.onFrame
	d.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

type fakePlaybackDevice struct {
	stopped atomic.Bool
}

func (d *fakePlaybackDevice) Start(render func(out []int16)) error { return nil }
func (d *fakePlaybackDevice) Stop() error {
	d.stopped.Store(true)
	return nil
}
func (d *fakePlaybackDevice) SampleRate() int { return pcm.PlaybackSampleRate }

type fakeRemote struct {
	events    chan ai.RemoteEvent
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []pcm.Blob
	closed bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{events: make(chan ai.RemoteEvent, 64)}
}

func (r *fakeRemote) SendAudio(blob pcm.Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, blob)
	return nil
}

func (r *fakeRemote) Events() <-chan ai.RemoteEvent { return r.events }

func (r *fakeRemote) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.events)
	})
	return nil
}

func (r *fakeRemote) emit(e ai.RemoteEvent) { r.events <- e }

func (r *fakeRemote) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *fakeRemote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeProvider struct {
	remote  *fakeRemote
	dialErr error
	dials   atomic.Int32
}

func (p *fakeProvider) Dial(ctx context.Context, config ai.SessionConfig) (ai.RemoteSession, error) {
	p.dials.Add(1)
	if p.dialErr != nil {
		return nil, p.dialErr
	}
	return p.remote, nil
}

type harness struct {
	controller  *Controller
	captureDev  *fakeCaptureDevice
	playbackDev *fakePlaybackDevice
	provider    *fakeProvider
	assembler   *transcript.Assembler
	scheduler   *playback.Scheduler
}

func newHarness() *harness {
	log := logger.NewNop()
	captureDev := &fakeCaptureDevice{}
	playbackDev := &fakePlaybackDevice{}
	provider := &fakeProvider{remote: newFakeRemote()}
	assembler := transcript.NewAssembler(log)
	scheduler := playback.NewScheduler(playbackDev, log)
	pipeline := capture.NewPipeline(captureDev, pcm.CaptureSampleRate, log)

	controller := NewController(Config{
		Model:            "gemini-2.0-flash-live-001",
		Voice:            "Puck",
		SystemPrompt:     "test prompt",
		InputSampleRate:  pcm.CaptureSampleRate,
		OutputSampleRate: pcm.PlaybackSampleRate,
	}, pipeline, scheduler, provider, assembler, log)

	return &harness{
		controller:  controller,
		captureDev:  captureDev,
		playbackDev: playbackDev,
		provider:    provider,
		assembler:   assembler,
		scheduler:   scheduler,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustConnect(t *testing.T, h *harness) {
	t.Helper()
	if err := h.controller.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectGuardRejectsSecondConnect(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	if err := h.controller.Connect(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Connect = %v, want ErrSessionActive", err)
	}
	if got := h.provider.dials.Load(); got != 1 {
		t.Errorf("dial count = %d, want 1", got)
	}
}

func TestPermissionDeniedHaltsBeforeRemoteDial(t *testing.T) {
	h := newHarness()
	h.captureDev.startErr = audio.ErrPermissionDenied

	err := h.controller.Connect(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Connect = %v, want ErrPermissionDenied", err)
	}
	if got := h.provider.dials.Load(); got != 0 {
		t.Errorf("dial count = %d, want 0 (must halt before remote call)", got)
	}
	if h.controller.State() != StateError {
		t.Errorf("state = %s, want error", h.controller.State())
	}
	if !h.playbackDev.stopped.Load() {
		t.Error("output device not released after failed connect")
	}

	// A fresh connect attempt is allowed from the error state.
	h.captureDev.startErr = nil
	mustConnect(t, h)
}

func TestDialFailureEntersErrorState(t *testing.T) {
	h := newHarness()
	h.provider.dialErr = errors.New("boom")

	if err := h.controller.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when dial fails")
	}
	if h.controller.State() != StateError {
		t.Errorf("state = %s, want error", h.controller.State())
	}
	if !h.captureDev.stopped.Load() {
		t.Error("capture device not released after dial failure")
	}
}

func TestCaptureFramesForwardedToRemote(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	frame := make([]int16, capture.DefaultFrameSize)
	for i := range frame {
		frame[i] = 8192
	}
	for i := 0; i < 3; i++ {
		h.captureDev.emit(frame)
	}

	waitFor(t, "3 forwarded frames", func() bool { return h.provider.remote.sentCount() == 3 })

	h.provider.remote.mu.Lock()
	defer h.provider.remote.mu.Unlock()
	for i, blob := range h.provider.remote.sent {
		if blob.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d MIME = %q", i, blob.MIMEType)
		}
		if blob.Data == "" {
			t.Errorf("frame %d has empty payload", i)
		}
	}

	if loudness := h.controller.Status().Loudness; loudness <= 0 {
		t.Errorf("loudness = %f, want > 0 for non-silent input", loudness)
	}
}

func TestTurnCompleteCommitsAssembledTranscript(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	remote := h.provider.remote
	remote.emit(ai.OutputTranscript{Text: "He"})
	remote.emit(ai.OutputTranscript{Text: "llo"})
	remote.emit(ai.TurnComplete{})

	waitFor(t, "committed entry", func() bool { return h.assembler.Len() == 1 })

	entries := h.assembler.Entries()
	if entries[0].Role != transcript.RoleAgent || entries[0].Text != "Hello" {
		t.Errorf("entry = %s %q, want AGENT Hello", entries[0].Role, entries[0].Text)
	}
}

func TestInterruptedStopsQueuedPlaybackAndDiscardsAgentPartial(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	remote := h.provider.remote
	remote.emit(ai.InputTranscript{Text: "wait, "})
	remote.emit(ai.OutputTranscript{Text: "As I was"})
	remote.emit(ai.Audio{Blob: pcm.EncodeBlob(make([]int16, 2400), pcm.PlaybackSampleRate)})
	remote.emit(ai.Audio{Blob: pcm.EncodeBlob(make([]int16, 2400), pcm.PlaybackSampleRate)})

	waitFor(t, "2 queued segments", func() bool { return h.scheduler.ActiveCount() == 2 })

	remote.emit(ai.Interrupted{})
	waitFor(t, "empty active set", func() bool { return h.scheduler.ActiveCount() == 0 })

	user, agent := h.assembler.Partials()
	if agent != "" {
		t.Errorf("agent partial = %q after interruption, want discarded", agent)
	}
	if user != "wait, " {
		t.Errorf("user partial = %q, want preserved", user)
	}
	if h.controller.State() != StateConnected {
		t.Errorf("state = %s, interruption must not end the session", h.controller.State())
	}
}

func TestMalformedAudioPayloadIsIsolated(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	remote := h.provider.remote
	remote.emit(ai.Audio{Blob: pcm.Blob{Data: "!!!not base64!!!", MIMEType: "audio/pcm;rate=24000"}})
	remote.emit(ai.Audio{Blob: pcm.EncodeBlob(make([]int16, 1200), pcm.PlaybackSampleRate)})

	waitFor(t, "valid segment scheduled", func() bool { return h.scheduler.ActiveCount() == 1 })

	if h.controller.State() != StateConnected {
		t.Errorf("state = %s, a bad frame must not end the session", h.controller.State())
	}
}

func TestRemoteErrorEntersErrorState(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	h.provider.remote.emit(ai.ErrorEvent{Err: errors.New("server exploded")})

	waitFor(t, "error state", func() bool { return h.controller.State() == StateError })
	waitFor(t, "capture stopped", func() bool { return h.captureDev.stopped.Load() })
	if !h.playbackDev.stopped.Load() {
		t.Error("output device not released")
	}
}

func TestRemoteCloseEntersDisconnected(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	h.provider.remote.emit(ai.ClosedEvent{Reason: "going away"})

	waitFor(t, "disconnected state", func() bool { return h.controller.State() == StateDisconnected })
	if !h.provider.remote.isClosed() {
		t.Error("remote session not closed")
	}
}

func TestDisconnectIsIdempotentAndPreservesTranscript(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	remote := h.provider.remote
	remote.emit(ai.OutputTranscript{Text: "kept"})
	remote.emit(ai.TurnComplete{})
	waitFor(t, "committed entry", func() bool { return h.assembler.Len() == 1 })

	h.controller.Disconnect()
	h.controller.Disconnect()

	if h.controller.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.controller.State())
	}
	if !remote.isClosed() {
		t.Error("remote not closed")
	}
	if h.assembler.Len() != 1 {
		t.Errorf("entries = %d after disconnect, want transcript preserved", h.assembler.Len())
	}
	if user, agent := h.assembler.Partials(); user != "" || agent != "" {
		t.Errorf("partials = %q, %q after disconnect, want cleared", user, agent)
	}
}

func TestDisconnectDuringConnectReleasesDevices(t *testing.T) {
	h := newHarness()

	// Cancel the attempt as soon as it announces connecting, before the
	// devices are acquired or the remote is dialed.
	var cancelled atomic.Bool
	h.controller.SetStateListener(func(state State, message string) {
		if state == StateConnecting && cancelled.CompareAndSwap(false, true) {
			h.controller.Disconnect()
		}
	})

	if err := h.controller.Connect(context.Background()); err == nil {
		t.Fatal("Connect should fail when cancelled mid-attempt")
	}

	if h.controller.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", h.controller.State())
	}
	if !h.provider.remote.isClosed() {
		t.Error("remote not closed after cancelled connect")
	}
	if !h.captureDev.stopped.Load() {
		t.Error("microphone not released after cancelled connect")
	}
	if !h.playbackDev.stopped.Load() {
		t.Error("output device not released after cancelled connect")
	}
}

func TestConnectClearsPreviousTranscript(t *testing.T) {
	h := newHarness()
	mustConnect(t, h)

	remote := h.provider.remote
	remote.emit(ai.OutputTranscript{Text: "old"})
	remote.emit(ai.TurnComplete{})
	waitFor(t, "committed entry", func() bool { return h.assembler.Len() == 1 })

	h.controller.Disconnect()

	h.provider.remote = newFakeRemote()
	mustConnect(t, h)

	if h.assembler.Len() != 0 {
		t.Errorf("entries = %d after reconnect, want 0", h.assembler.Len())
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness()

	status := h.controller.Status()
	if status.State != StateDisconnected || status.Loudness != 0 || status.QueuedSegments != 0 {
		t.Errorf("initial status = %+v", status)
	}

	mustConnect(t, h)
	if got := h.controller.Status().State; got != StateConnected {
		t.Errorf("status state = %s, want connected", got)
	}
}
