package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/yegors/voicelink/pkg/logger"
)

// Context wraps the miniaudio context shared by all devices in a session.
type Context struct {
	ctx    *malgo.AllocatedContext
	logger *logger.Logger
}

// NewContext initializes the audio backend.
func NewContext(log *logger.Logger) (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return &Context{
		ctx:    ctx,
		logger: log.Named("audio"),
	}, nil
}

// Close tears down the audio backend. All devices created from this context
// must be stopped first.
func (c *Context) Close() {
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
}

// classifyDeviceErr maps backend init failures onto the package's error
// taxonomy so callers can render the correct remediation message.
func classifyDeviceErr(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}

// MalgoCapture is a CaptureDevice backed by the default system microphone.
// The backend delivers sample batches of arbitrary length; they are sliced
// into fixed-size frames before delivery so downstream stays purely reactive.
type MalgoCapture struct {
	context *Context
	config  CaptureConfig
	logger  *logger.Logger

	mu      sync.Mutex
	device  *malgo.Device
	pending []int16
}

// NewMalgoCapture creates a capture device for the default microphone.
func NewMalgoCapture(context *Context, config CaptureConfig, log *logger.Logger) *MalgoCapture {
	return &MalgoCapture{
		context: context,
		config:  config,
		logger:  log.Named("capture-device"),
	}
}

// Start acquires the microphone and begins delivering frames.
func (d *MalgoCapture) Start(onFrame func(samples []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(d.config.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	frameSize := d.config.FrameSize
	onRecv := func(_, pSample []byte, frameCount uint32) {
		if frameCount == 0 {
			return
		}
		d.mu.Lock()
		for i := 0; i < int(frameCount); i++ {
			d.pending = append(d.pending, int16(binary.LittleEndian.Uint16(pSample[i*2:])))
		}
		var frames [][]int16
		for len(d.pending) >= frameSize {
			frame := make([]int16, frameSize)
			copy(frame, d.pending[:frameSize])
			d.pending = append(d.pending[:0], d.pending[frameSize:]...)
			frames = append(frames, frame)
		}
		d.mu.Unlock()

		for _, frame := range frames {
			onFrame(frame)
		}
	}

	device, err := malgo.InitDevice(d.context.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		d.logger.Error("Failed to initialize capture device", logger.Error(err))
		return classifyDeviceErr(err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		d.logger.Error("Failed to start capture device", logger.Error(err))
		return classifyDeviceErr(err)
	}

	d.device = device
	d.logger.Info("Capture device started",
		logger.Int("sample_rate", d.config.SampleRate),
		logger.Int("frame_size", frameSize))
	return nil
}

// Stop releases the microphone.
func (d *MalgoCapture) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}
	_ = d.device.Stop()
	d.device.Uninit()
	d.device = nil
	d.pending = nil
	d.logger.Info("Capture device stopped")
	return nil
}

// MalgoPlayback is a PlaybackDevice backed by the default system speaker.
type MalgoPlayback struct {
	context *Context
	config  PlaybackConfig
	logger  *logger.Logger

	mu     sync.Mutex
	device *malgo.Device
}

// NewMalgoPlayback creates a playback device for the default output.
func NewMalgoPlayback(context *Context, config PlaybackConfig, log *logger.Logger) *MalgoPlayback {
	return &MalgoPlayback{
		context: context,
		config:  config,
		logger:  log.Named("playback-device"),
	}
}

// Start acquires the speaker and begins pulling samples from render.
func (d *MalgoPlayback) Start(render func(out []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(d.config.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	gain := d.config.Gain
	if gain <= 0 {
		gain = 1
	}

	buf := make([]int16, 0)
	onSend := func(pOutput, _ []byte, frameCount uint32) {
		if frameCount == 0 {
			return
		}
		if cap(buf) < int(frameCount) {
			buf = make([]int16, frameCount)
		}
		buf = buf[:frameCount]
		for i := range buf {
			buf[i] = 0
		}
		render(buf)
		for i, s := range buf {
			v := float64(s) * gain
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			binary.LittleEndian.PutUint16(pOutput[i*2:], uint16(int16(v)))
		}
	}

	device, err := malgo.InitDevice(d.context.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSend})
	if err != nil {
		d.logger.Error("Failed to initialize playback device", logger.Error(err))
		return classifyDeviceErr(err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		d.logger.Error("Failed to start playback device", logger.Error(err))
		return classifyDeviceErr(err)
	}

	d.device = device
	d.logger.Info("Playback device started", logger.Int("sample_rate", d.config.SampleRate))
	return nil
}

// Stop releases the speaker.
func (d *MalgoPlayback) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}
	_ = d.device.Stop()
	d.device.Uninit()
	d.device = nil
	d.logger.Info("Playback device stopped")
	return nil
}

// SampleRate returns the configured output rate.
func (d *MalgoPlayback) SampleRate() int {
	return d.config.SampleRate
}
