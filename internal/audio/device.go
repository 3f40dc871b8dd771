// Package audio owns the local capture and playback devices. Devices deliver
// and consume audio through data callbacks on the audio subsystem's own
// scheduling; everything above this package is device-agnostic, which is also
// what makes the pipeline testable without hardware.
package audio

import "errors"

var (
	// ErrPermissionDenied indicates the OS refused microphone access. The UI
	// must be able to tell this apart from a missing device so it can block
	// retry until permission changes.
	ErrPermissionDenied = errors.New("audio device permission denied")

	// ErrDeviceUnavailable indicates no usable audio device was found.
	// Fatal to the current attempt, retryable.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// CaptureDevice is a microphone that delivers fixed-size mono int16 frames
// to a callback. The sample slice passed to the callback is only valid for
// the duration of the call.
type CaptureDevice interface {
	// Start acquires the device and begins delivering frames. Returns
	// ErrPermissionDenied or ErrDeviceUnavailable (possibly wrapped) when
	// the device cannot be acquired.
	Start(onFrame func(samples []int16)) error

	// Stop stops delivery and releases the device. Safe to call more than
	// once and before Start.
	Stop() error
}

// PlaybackDevice is a speaker that pulls mono int16 samples from a render
// callback in real time. The callback must fill the entire slice; unfilled
// samples are silence.
type PlaybackDevice interface {
	// Start acquires the device and begins pulling from render.
	Start(render func(out []int16)) error

	// Stop stops pulling and releases the device. Safe to call more than
	// once and before Start.
	Stop() error

	// SampleRate returns the device's output rate in Hz.
	SampleRate() int
}

// CaptureConfig configures a capture device.
type CaptureConfig struct {
	SampleRate int // Hz, 16000 for the realtime protocol
	FrameSize  int // samples per delivered frame, 4096 in this system
}

// PlaybackConfig configures a playback device.
type PlaybackConfig struct {
	SampleRate int     // Hz, 24000 for agent audio
	Gain       float64 // pass-through UI convenience, never consulted by the scheduler timeline
}
