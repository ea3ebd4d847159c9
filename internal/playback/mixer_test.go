package playback

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-core/internal/audio"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]int16
}

func (r *recordingSink) WriteFrame(s []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, s)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func constant(v int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestMixer_PacerWritesFramesUntilDone(t *testing.T) {
	sink := &recordingSink{}
	m := NewMixer(Options{SampleRate: 16000, Sink: sink, Logger: zerolog.Nop()})
	defer m.Close()

	v := m.Play(Clip{Samples: constant(1000, 16000/10), SampleRate: 16000}, 0)
	assert.True(t, m.Active())
	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("voice never finished")
	}
	assert.False(t, v.Playing())
	assert.GreaterOrEqual(t, sink.count(), 4)
	assert.False(t, m.Active())
}

func TestMixer_SumsVoices(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	m.Play(Clip{Samples: constant(1000, 640), SampleRate: 16000}, 0)
	m.Play(Clip{Samples: constant(2000, 640), SampleRate: 16000}, 0)

	frame := m.mix()
	require.Len(t, frame, audio.FrameSamples)
	assert.Equal(t, int16(3000), frame[0])
	assert.Equal(t, int16(3000), frame[len(frame)-1])
}

func TestMixer_ClampsOverflow(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	m.Play(Clip{Samples: constant(30000, 320), SampleRate: 16000}, 0)
	m.Play(Clip{Samples: constant(30000, 320), SampleRate: 16000}, 0)
	frame := m.mix()
	assert.Equal(t, int16(32767), frame[0])
}

func TestMixer_FadeInStartsSilent(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	m.Play(Clip{Samples: constant(10000, 1600), SampleRate: 16000}, 40*time.Millisecond)
	first := m.mix()
	assert.Equal(t, int16(0), first[0])
	assert.Less(t, first[len(first)-1], int16(10000))
	m.mix()
	third := m.mix()
	assert.Equal(t, int16(10000), third[0])
}

func TestVoice_FadeOutEndsEarly(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	v := m.Play(Clip{Samples: constant(10000, 16000), SampleRate: 16000}, 0)
	natural := v.EndsAt()

	end := v.FadeOut(40 * time.Millisecond)
	assert.True(t, end.Before(natural))
	assert.Equal(t, end, v.EndsAt())

	m.mix()
	assert.True(t, v.Playing())
	last := m.mix()
	assert.Less(t, last[len(last)-1], int16(1000))
	assert.False(t, v.Playing())
	assert.Nil(t, m.mix())
}

func TestVoice_FadeOutLongerThanRemainderIsIgnored(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	v := m.Play(Clip{Samples: constant(10000, 320), SampleRate: 16000}, 0)
	end := v.FadeOut(time.Second)
	assert.WithinDuration(t, time.Now().Add(audio.FrameDuration), end, 10*time.Millisecond)
	assert.Equal(t, -1, v.fadeStart)

	frame := m.mix()
	assert.Equal(t, int16(10000), frame[len(frame)-1])
}

func TestVoice_StopIsIdempotent(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	v := m.Play(Clip{Samples: constant(1, 16000), SampleRate: 16000}, 0)
	v.Stop()
	v.Stop()
	assert.False(t, v.Playing())
	assert.False(t, m.Active())
	assert.False(t, v.EndsAt().After(time.Now()))
}

func TestMixer_StopAll(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	a := m.Play(Clip{Samples: constant(1, 16000), SampleRate: 16000}, 0)
	b := m.Play(Clip{Samples: constant(1, 16000), SampleRate: 16000}, 0)
	m.StopAll()
	assert.False(t, a.Playing())
	assert.False(t, b.Playing())
	assert.Nil(t, m.mix())
}

func TestMixer_ResamplesClips(t *testing.T) {
	m := newMixer(Options{SampleRate: 48000})
	v := m.Play(Clip{Samples: constant(500, 16000), SampleRate: 16000}, 0)
	assert.Len(t, v.samples, 48000)
	assert.InDelta(t, float64(time.Second), float64(v.EndsAt().Sub(v.StartedAt())), float64(time.Millisecond))
}

func TestMixer_EmptyClipIsDone(t *testing.T) {
	m := newMixer(Options{SampleRate: 16000})
	v := m.Play(Clip{SampleRate: 16000}, 0)
	assert.False(t, v.Playing())
	assert.False(t, m.Active())
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriterSink{W: &buf}.WriteFrame([]int16{1, -1}))
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff}, buf.Bytes())
}

func TestMixer_CloseIsIdempotent(t *testing.T) {
	m := NewMixer(Options{Logger: zerolog.Nop()})
	v := m.Play(Clip{Samples: constant(1, 48000), SampleRate: 48000}, 0)
	m.Close()
	m.Close()
	assert.False(t, v.Playing())
	assert.False(t, m.Play(Clip{Samples: constant(1, 10), SampleRate: 48000}, 0).Playing())
}
