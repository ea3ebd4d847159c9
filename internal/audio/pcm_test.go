package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameConstants(t *testing.T) {
	assert.Equal(t, 320, FrameSamples)
	assert.Equal(t, 640, FrameBytes)
}

func TestDecodePCM16_IgnoresOddTrailingByte(t *testing.T) {
	pcm := EncodePCM16([]int16{1, -2, 32767})
	got := DecodePCM16(append(pcm, 0x7f))
	require.Len(t, got, 3)
	assert.Equal(t, []int16{1, -2, 32767}, got)
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(make([]int16, 160)))

	loud := Sine(SampleRate, 220, 0.5, 100*time.Millisecond)
	quiet := Sine(SampleRate, 220, 0.01, 100*time.Millisecond)
	assert.Greater(t, RMS(loud), RMS(quiet))
	// RMS of a sine is amplitude/sqrt(2).
	assert.InDelta(t, 0.5/1.4142, RMS(loud), 0.01)
}

func TestRamp_Gain(t *testing.T) {
	r := Ramp{From: 1, To: 0, Length: 4}
	assert.Equal(t, 1.0, r.Gain(0))
	assert.Equal(t, 0.5, r.Gain(2))
	assert.Equal(t, 0.0, r.Gain(4))
	assert.Equal(t, 0.0, r.Gain(100))
	assert.Equal(t, 1.0, Ramp{From: 0, To: 1}.Gain(0))
}

func TestMixInto_SaturatesOnFlatten(t *testing.T) {
	acc := make([]float64, 2)
	MixInto(acc, []int16{30000, -30000}, func(int) float64 { return 1 })
	MixInto(acc, []int16{30000, -30000}, func(int) float64 { return 1 })
	assert.Equal(t, []int16{32767, -32768}, Flatten(acc))
}

func TestDurationAndSamples(t *testing.T) {
	assert.Equal(t, FrameDuration, DurationOf(FrameSamples, SampleRate))
	assert.Equal(t, FrameSamples, SamplesFor(FrameDuration, SampleRate))
	assert.Zero(t, DurationOf(10, 0))
}

func TestResample(t *testing.T) {
	in := Sine(48000, 440, 0.5, 100*time.Millisecond)
	out := Resample(in, 48000, SampleRate)
	assert.Len(t, out, SamplesFor(100*time.Millisecond, SampleRate))
	assert.InDelta(t, RMS(in), RMS(out), 0.02)
	assert.Equal(t, in, Resample(in, 16000, 16000))
}
