// Package capture turns the live microphone stream into a sequence of
// outbound transport blobs plus an advisory loudness metric.
package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/yegors/voicelink/internal/audio"
	"github.com/yegors/voicelink/internal/pcm"
	"github.com/yegors/voicelink/pkg/logger"
)

// DefaultFrameSize is the number of samples per captured frame.
const DefaultFrameSize = 4096

// Sink receives encoded outbound frames. It must not block: sends are
// issued synchronously inside the frame callback so that capture order is
// preserved on the wire.
type Sink func(blob pcm.Blob)

// Pipeline owns the microphone device and is purely reactive: each frame
// delivered by the device triggers loudness measurement, PCM encoding and a
// handoff to the outbound sink.
type Pipeline struct {
	device     audio.CaptureDevice
	sampleRate int
	logger     *logger.Logger

	mu      sync.Mutex
	running bool

	// loudness holds the latest per-frame RMS as float64 bits; advisory
	// only, never affects protocol correctness
	loudness   atomic.Uint64
	frameCount atomic.Int64
}

// NewPipeline creates a capture pipeline over the given device.
func NewPipeline(device audio.CaptureDevice, sampleRate int, log *logger.Logger) *Pipeline {
	return &Pipeline{
		device:     device,
		sampleRate: sampleRate,
		logger:     log.Named("capture"),
	}
}

// Start acquires the microphone and begins feeding the sink. Returns
// audio.ErrPermissionDenied or audio.ErrDeviceUnavailable when the device
// cannot be acquired; in that case the pipeline never starts.
func (p *Pipeline) Start(sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := p.device.Start(func(samples []int16) {
		p.handleFrame(samples, sink)
	}); err != nil {
		return err
	}

	p.running = true
	p.logger.Info("Capture pipeline started", logger.Int("sample_rate", p.sampleRate))
	return nil
}

// handleFrame processes one delivered frame.
func (p *Pipeline) handleFrame(samples []int16, sink Sink) {
	p.loudness.Store(math.Float64bits(rms(samples)))

	count := p.frameCount.Add(1)
	if count%100 == 0 {
		p.logger.Debug("Captured audio frames", logger.Int64("frame_count", count))
	}

	sink(pcm.EncodeBlob(samples, p.sampleRate))
}

// Stop releases the microphone and resets the loudness metric. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.loudness.Store(0)

	if err := p.device.Stop(); err != nil {
		p.logger.Warn("Error stopping capture device", logger.Error(err))
		return err
	}
	p.logger.Info("Capture pipeline stopped", logger.Int64("frames_captured", p.frameCount.Load()))
	return nil
}

// Loudness returns the RMS of the most recent frame, in [0, 1].
func (p *Pipeline) Loudness() float64 {
	return math.Float64frombits(p.loudness.Load())
}

// rms computes the root mean square of a frame over normalized samples.
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		x := float64(pcm.Int16ToFloat32(s))
		sum += x * x
	}
	return math.Sqrt(sum / float64(len(samples)))
}
