package ack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-core/internal/audio"
	"github.com/chadiek/voice-core/internal/playback"
)

type fakeSynth struct {
	mu     sync.Mutex
	calls  map[string]int
	delay  time.Duration
	length time.Duration
	fail   map[string]error
}

func newFakeSynth(length time.Duration) *fakeSynth {
	return &fakeSynth{calls: map[string]int{}, length: length, fail: map[string]error{}}
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (playback.Clip, error) {
	f.mu.Lock()
	f.calls[text]++
	err := f.fail[text]
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return playback.Clip{}, ctx.Err()
		}
	}
	if err != nil {
		return playback.Clip{}, err
	}
	return playback.Clip{Samples: audio.Sine(audio.SampleRate, 300, 0.2, f.length), SampleRate: audio.SampleRate}, nil
}

func (f *fakeSynth) count(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

type latencyRecorder struct {
	mu  sync.Mutex
	obs []time.Duration
}

func (r *latencyRecorder) ObserveAckLatency(d time.Duration) {
	r.mu.Lock()
	r.obs = append(r.obs, d)
	r.mu.Unlock()
}

func newCoordinator(t *testing.T, synth *fakeSynth, rec Recorder) *Coordinator {
	t.Helper()
	mixer := playback.NewMixer(playback.Options{SampleRate: audio.SampleRate, Logger: zerolog.Nop()})
	t.Cleanup(mixer.Close)
	return New(Options{Synth: synth, Player: mixer, Logger: zerolog.Nop(), Recorder: rec})
}

func TestStartAck_PlaysAndCachesByIntent(t *testing.T) {
	synth := newFakeSynth(time.Second)
	rec := &latencyRecorder{}
	c := newCoordinator(t, synth, rec)

	require.NoError(t, c.StartAck(context.Background(), "calendar.lookup", map[string]any{"day": "today"}))
	assert.True(t, c.Playing())
	require.NoError(t, c.StartAck(context.Background(), "calendar.lookup", map[string]any{"day": "tomorrow"}))

	assert.Equal(t, 1, synth.count("Jag kollar din kalender."))
	assert.Len(t, rec.obs, 2)
}

func TestStartAck_UnknownIntentUsesDefaultPhrase(t *testing.T) {
	synth := newFakeSynth(100 * time.Millisecond)
	c := newCoordinator(t, synth, nil)

	require.NoError(t, c.StartAck(context.Background(), "spaceship.launch", nil))
	require.NoError(t, c.StartAck(context.Background(), "time.travel", nil))
	assert.Equal(t, 1, synth.count(DefaultPhrase))
	assert.Equal(t, DefaultPhrase, c.Phrase("time.travel"))
	assert.True(t, c.Cached("anything.else"))
}

func TestStartAck_SynthesisError(t *testing.T) {
	synth := newFakeSynth(time.Second)
	synth.fail["Jag söker."] = errors.New("tts down")
	c := newCoordinator(t, synth, nil)

	err := c.StartAck(context.Background(), "search.web", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tts down")
	assert.False(t, c.Playing())
	assert.False(t, c.Cached("search.web"))
}

func TestWarm_FillsCacheBeforeFirstUse(t *testing.T) {
	synth := newFakeSynth(200 * time.Millisecond)
	c := newCoordinator(t, synth, nil)

	require.NoError(t, c.Warm(context.Background(), DefaultWarmIntents))
	for _, intent := range DefaultWarmIntents {
		assert.True(t, c.Cached(intent), intent)
	}
	assert.True(t, c.Cached("unmapped"))

	require.NoError(t, c.StartAck(context.Background(), "calendar.lookup", nil))
	assert.Equal(t, 1, synth.count("Jag kollar din kalender."))
}

func TestWarm_PartialFailure(t *testing.T) {
	synth := newFakeSynth(200 * time.Millisecond)
	synth.fail["Jag kollar vädret."] = errors.New("quota")
	c := newCoordinator(t, synth, nil)

	err := c.Warm(context.Background(), DefaultWarmIntents)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weather.lookup")
	assert.False(t, c.Cached("weather.lookup"))
	assert.True(t, c.Cached("email.read"))
}

func TestAnnounceResult_OverlapsPlayingAck(t *testing.T) {
	synth := newFakeSynth(time.Second)
	c := newCoordinator(t, synth, nil)
	require.NoError(t, c.StartAck(context.Background(), "calendar.lookup", nil))

	synth.delay = 50 * time.Millisecond
	cf, err := c.AnnounceResult(context.Background(), "Du har två möten idag.")
	require.NoError(t, err)

	require.False(t, cf.AckEnd.IsZero())
	assert.True(t, cf.ResultStart.Before(cf.AckEnd))
	assert.Greater(t, cf.Overlap, time.Duration(0))
	assert.LessOrEqual(t, cf.Overlap, DefaultOverlap)
	assert.True(t, c.Playing())
}

func TestAnnounceResult_AckFadesOutEarly(t *testing.T) {
	synth := newFakeSynth(2 * time.Second)
	c := newCoordinator(t, synth, nil)
	require.NoError(t, c.StartAck(context.Background(), "email.read", nil))
	ack := c.ack

	_, err := c.AnnounceResult(context.Background(), "Inga nya mejl.")
	require.NoError(t, err)
	select {
	case <-ack.Done():
	case <-time.After(time.Second):
		t.Fatal("ack kept playing after the crossfade")
	}
}

func TestAnnounceResult_WithoutAck(t *testing.T) {
	synth := newFakeSynth(100 * time.Millisecond)
	c := newCoordinator(t, synth, nil)

	cf, err := c.AnnounceResult(context.Background(), "Klart.")
	require.NoError(t, err)
	assert.True(t, cf.AckEnd.IsZero())
	assert.Zero(t, cf.Overlap)
	select {
	case <-cf.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("result never finished")
	}
}

func TestAnnounceResult_CanceledContext(t *testing.T) {
	synth := newFakeSynth(100 * time.Millisecond)
	synth.delay = time.Second
	c := newCoordinator(t, synth, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.AnnounceResult(ctx, "för sent")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancel_StopsBothVoicesIdempotently(t *testing.T) {
	synth := newFakeSynth(time.Second)
	c := newCoordinator(t, synth, nil)
	require.NoError(t, c.StartAck(context.Background(), "calendar.lookup", nil))
	cf, err := c.AnnounceResult(context.Background(), "Du har ett möte.")
	require.NoError(t, err)

	c.Cancel()
	c.Cancel()
	assert.False(t, c.Playing())
	select {
	case <-cf.Done:
	default:
		t.Fatal("result still playing after Cancel")
	}
}
