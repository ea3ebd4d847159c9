// Package audio holds the PCM16 frame format shared by capture, barge-in
// detection and playback.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the wire and capture sample rate in Hz.
	SampleRate = 16000
	// FrameDuration is the fixed duration of one captured frame.
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is the number of mono samples in one frame (320 at 16 kHz).
	FrameSamples = SampleRate * int(FrameDuration/time.Millisecond) / 1000
	// FrameBytes is the size of one PCM16 frame in bytes.
	FrameBytes = FrameSamples * 2
	// Encoding is the wire name of the sample encoding.
	Encoding = "pcm_s16le"
)

// Frame is one fixed-duration block of mono PCM16 samples. Frames are
// transient: they exist between capture and transmission and are never stored.
type Frame struct {
	Samples   []int16
	Timestamp time.Time
}

// Bytes encodes the frame as little-endian PCM16.
func (f Frame) Bytes() []byte { return EncodePCM16(f.Samples) }

// Energy returns the normalized RMS energy of the frame.
func (f Frame) Energy() float64 { return RMS(f.Samples) }

// EncodePCM16 converts samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

// DecodePCM16 converts little-endian PCM16 bytes to samples. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// RMS returns the root mean square of the samples normalized to [0,1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DurationOf returns the playback duration of n mono samples at rate Hz.
func DurationOf(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// SamplesFor returns the number of samples covering d at rate Hz.
func SamplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

// Clamp16 saturates v to the int16 range.
func Clamp16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Sine generates a mono sine tone; used for the synthetic capture fallback
// and in tests.
func Sine(rate int, hz float64, amplitude float64, d time.Duration) []int16 {
	n := SamplesFor(d, rate)
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = Clamp16(amplitude * 32767 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
	}
	return out
}
