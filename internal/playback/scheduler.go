// Package playback schedules decoded agent audio onto the output device so
// that segments play strictly back-to-back in arrival order, with no gap and
// no overlap, regardless of inter-arrival jitter.
package playback

import (
	"sync"

	"github.com/yegors/voicelink/internal/audio"
	"github.com/yegors/voicelink/internal/pcm"
	"github.com/yegors/voicelink/pkg/logger"
)

// Handle is a scheduled, queued-or-playing audio segment. Handles are
// tracked so they can be forcibly stopped on interruption.
type Handle struct {
	id      int64
	start   int64 // scheduled start, in device samples
	samples []int16
	offset  int // samples already rendered
}

// ID returns the handle's identifier within its scheduler.
func (h *Handle) ID() int64 { return h.id }

// Start returns the scheduled start time in device samples.
func (h *Handle) Start() int64 { return h.start }

// Duration returns the segment length in samples.
func (h *Handle) Duration() int64 { return int64(len(h.samples)) }

// Scheduler owns the output device and its sample clock. Segments are
// stitched onto the tail of whatever is already queued, but never scheduled
// to start before the current device clock, so audio cannot stack up in the
// past after a stall.
type Scheduler struct {
	device audio.PlaybackDevice
	logger *logger.Logger

	mu        sync.Mutex
	started   bool
	clock     int64 // total samples rendered since Start
	nextStart int64
	active    []*Handle // ordered by start time
	nextID    int64
}

// NewScheduler creates a scheduler over the given playback device.
func NewScheduler(device audio.PlaybackDevice, log *logger.Logger) *Scheduler {
	return &Scheduler{
		device: device,
		logger: log.Named("playback"),
	}
}

// Start acquires the output device and begins rendering. Idempotent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.clock = 0
	s.nextStart = 0
	s.active = nil
	s.mu.Unlock()

	if err := s.device.Start(s.render); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}
	s.logger.Info("Playback scheduler started", logger.Int("sample_rate", s.device.SampleRate()))
	return nil
}

// Enqueue schedules a decoded frame to begin exactly at the timeline cursor,
// which is first pulled up to the device clock if playback has stalled. The
// returned handle is registered in the active set until it completes
// naturally or is stopped by an interruption.
func (s *Scheduler) Enqueue(frame *pcm.Frame) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextStart < s.clock {
		s.nextStart = s.clock
	}

	// The output device is mono; interleaved input keeps its first channel.
	samples := frame.Samples
	if frame.Channels > 1 {
		samples = pcm.Deinterleave(frame)[0]
	}

	s.nextID++
	h := &Handle{
		id:      s.nextID,
		start:   s.nextStart,
		samples: samples,
	}
	s.nextStart += h.Duration()
	s.active = append(s.active, h)

	s.logger.Debug("Scheduled playback segment",
		logger.Int64("handle_id", h.id),
		logger.Int64("start", h.start),
		logger.Int64("duration", h.Duration()))
	return h
}

// render fills the output buffer from the active set. Unclaimed positions
// stay silent. Runs on the device's own scheduling; it is the only place
// handles are removed on natural completion.
func (s *Scheduler) render(out []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.clock
	end := s.clock + int64(len(out))
	for pos < end && len(s.active) > 0 {
		h := s.active[0]
		if h.start > pos {
			// Gap before the next scheduled segment stays silent.
			if h.start >= end {
				break
			}
			pos = h.start
		}
		i := int(pos - s.clock)
		n := copy(out[i:], h.samples[h.offset:])
		h.offset += n
		pos += int64(n)
		if h.offset == len(h.samples) {
			s.active = s.active[1:]
			s.logger.Debug("Playback segment completed", logger.Int64("handle_id", h.id))
		}
	}
	s.clock = end
}

// Interrupt forcibly stops every queued or playing segment, clears the
// active set and resets the timeline cursor. Idempotent and safe with an
// empty set.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.active) > 0 {
		s.logger.Info("Playback interrupted", logger.Int("stopped_segments", len(s.active)))
	}
	s.active = nil
	s.nextStart = 0
}

// Teardown is Interrupt plus release of the underlying device.
func (s *Scheduler) Teardown() {
	s.Interrupt()

	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()

	if wasStarted {
		if err := s.device.Stop(); err != nil {
			s.logger.Warn("Error stopping playback device", logger.Error(err))
		}
		s.logger.Info("Playback scheduler torn down")
	}
}

// ActiveCount returns the number of queued or playing segments.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Clock returns the device clock in samples since Start.
func (s *Scheduler) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// NextStart returns the timeline cursor: where the next enqueued segment
// will begin, assuming the device clock does not overtake it first.
func (s *Scheduler) NextStart() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextStart < s.clock {
		return s.clock
	}
	return s.nextStart
}
