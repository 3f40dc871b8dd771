// Package pcm converts between raw little-endian 16-bit PCM byte buffers,
// normalized float samples, and the base64 transport encoding used by the
// realtime voice protocol. All functions are stateless and safe for
// concurrent use.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CaptureSampleRate is the sample rate for microphone audio in Hz
	CaptureSampleRate = 16000
	// PlaybackSampleRate is the sample rate for agent audio in Hz
	PlaybackSampleRate = 24000
	// BytesPerSample is the width of one s16le sample
	BytesPerSample = 2
)

// ErrMalformedAudio indicates a byte buffer that cannot be interpreted as
// interleaved little-endian int16 samples. Callers drop the offending frame
// and continue; a single bad frame must not end a live conversation.
var ErrMalformedAudio = errors.New("malformed audio payload")

// Blob is a text-safe encoded audio frame plus its MIME-style descriptor,
// ready to be sent over the realtime channel.
type Blob struct {
	Data     string // base64-encoded s16le bytes
	MIMEType string // e.g. "audio/pcm;rate=16000"
}

// Frame is a decoded block of 16-bit PCM samples. Immutable once produced;
// consumed exactly once by the playback scheduler or the transport encoder.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Duration returns the frame length in samples. With mono audio this equals
// len(Samples); with multiple channels it is samples per channel.
func (f *Frame) Duration() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Float32ToInt16 converts a normalized sample in [-1, 1] to int16 by scaling
// with 32768 and truncating. Out-of-range input is clamped.
func Float32ToInt16(x float32) int16 {
	v := int32(x * 32768)
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Int16ToFloat32 converts an int16 sample to a normalized float in [-1, 1).
func Int16ToFloat32(x int16) float32 {
	return float32(x) / 32768.0
}

// SamplesToBytes packs int16 samples as little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// BytesToSamples unpacks little-endian bytes into int16 samples. The byte
// length must be even.
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedAudio, len(data))
	}
	out := make([]int16, len(data)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return out, nil
}

// MIMEDescriptor returns the transport descriptor for raw PCM at the given
// sample rate, matching the realtime protocol's media chunk format.
func MIMEDescriptor(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}

// EncodeBlob wraps int16 samples as a transport blob tagged with the PCM
// descriptor for the given sample rate.
func EncodeBlob(samples []int16, sampleRate int) Blob {
	return Blob{
		Data:     base64.StdEncoding.EncodeToString(SamplesToBytes(samples)),
		MIMEType: MIMEDescriptor(sampleRate),
	}
}

// DecodeBlob reverses EncodeBlob. The round trip is byte-exact.
func DecodeBlob(blob Blob) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	return BytesToSamples(raw)
}

// DecodeBlobFrame decodes a transport blob into a frame with the declared
// rate and channel count, validating the payload against both.
func DecodeBlobFrame(blob Blob, sampleRate, channels int) (*Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAudio, err)
	}
	return DecodeFrame(raw, sampleRate, channels)
}

// DecodeFrame reinterprets a raw byte buffer as interleaved little-endian
// int16 samples at the declared rate and channel count. The byte length must
// be a multiple of 2*channels.
func DecodeFrame(data []byte, sampleRate, channels int) (*Frame, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrMalformedAudio, channels)
	}
	if len(data)%(BytesPerSample*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d",
			ErrMalformedAudio, len(data), BytesPerSample*channels)
	}
	samples, err := BytesToSamples(data)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// Deinterleave splits an interleaved frame into per-channel sample slices.
func Deinterleave(f *Frame) [][]int16 {
	perChannel := f.Duration()
	out := make([][]int16, f.Channels)
	for ch := 0; ch < f.Channels; ch++ {
		out[ch] = make([]int16, perChannel)
		for i := 0; i < perChannel; i++ {
			out[ch][i] = f.Samples[i*f.Channels+ch]
		}
	}
	return out
}
