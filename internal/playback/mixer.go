// Package playback renders assistant audio through a paced 20 ms mixer.
// Several voices can sound at once, each with its own fade envelope, which is
// what lets an acknowledgment overlap the answer that follows it.
package playback

import (
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/audio"
)

// Clip is mono PCM16 audio at SampleRate Hz.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the clip length.
func (c Clip) Duration() time.Duration { return audio.DurationOf(len(c.Samples), c.SampleRate) }

// Sink receives mixed frames at real time.
type Sink interface {
	WriteFrame(samples []int16) error
}

// WriterSink writes frames as PCM16 LE to an io.Writer such as a pipe into
// an audio player.
type WriterSink struct{ W io.Writer }

func (s WriterSink) WriteFrame(samples []int16) error {
	_, err := s.W.Write(audio.EncodePCM16(samples))
	return err
}

// DiscardSink drops everything. Used when no output device is configured.
type DiscardSink struct{}

func (DiscardSink) WriteFrame([]int16) error { return nil }

// Options configures a Mixer.
type Options struct {
	SampleRate int
	Sink       Sink
	Logger     zerolog.Logger
}

// Mixer sums active voices into one output stream, one frame per tick.
type Mixer struct {
	rate         int
	frameSamples int
	sink         Sink
	log          zerolog.Logger

	mu     sync.Mutex
	voices []*Voice
	now    func() time.Time

	stopCh  chan struct{}
	done    chan struct{}
	stopped bool
}

// NewMixer starts the pacer.
func NewMixer(opts Options) *Mixer {
	m := newMixer(opts)
	go m.pacer()
	return m
}

func newMixer(opts Options) *Mixer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.Sink == nil {
		opts.Sink = DiscardSink{}
	}
	m := &Mixer{
		rate:         opts.SampleRate,
		frameSamples: audio.SamplesFor(audio.FrameDuration, opts.SampleRate),
		sink:         opts.Sink,
		log:          opts.Logger.With().Str("component", "playback").Logger(),
		now:          time.Now,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	return m
}

// SampleRate returns the output rate.
func (m *Mixer) SampleRate() int { return m.rate }

// Play starts a clip on the next tick, fading in over fadeIn. Clips at a
// different rate are resampled.
func (m *Mixer) Play(clip Clip, fadeIn time.Duration) *Voice {
	samples := audio.Resample(clip.Samples, clip.SampleRate, m.rate)
	now := m.now()
	v := &Voice{
		m:         m,
		samples:   samples,
		fadeIn:    audio.Ramp{From: 0, To: 1, Length: audio.SamplesFor(fadeIn, m.rate)},
		fadeStart: -1,
		startedAt: now,
		endsAt:    now.Add(audio.DurationOf(len(samples), m.rate)),
		done:      make(chan struct{}),
	}
	m.mu.Lock()
	if m.stopped || len(samples) == 0 {
		m.mu.Unlock()
		v.finish()
		return v
	}
	m.voices = append(m.voices, v)
	m.mu.Unlock()
	return v
}

// Active reports whether any voice is still sounding.
func (m *Mixer) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices) > 0
}

// StopAll cuts every voice immediately.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	voices := m.voices
	m.voices = nil
	m.mu.Unlock()
	for _, v := range voices {
		v.finish()
	}
}

// Close stops the pacer and every voice.
func (m *Mixer) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	m.mu.Unlock()
	<-m.done
	m.StopAll()
}

func (m *Mixer) pacer() {
	defer close(m.done)
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if frame := m.mix(); frame != nil {
				if err := m.sink.WriteFrame(frame); err != nil {
					m.log.Warn().Err(err).Msg("playback sink write failed")
				}
			}
		}
	}
}

// mix renders one frame from every active voice and retires finished ones.
// It returns nil when nothing is playing.
func (m *Mixer) mix() []int16 {
	m.mu.Lock()
	if len(m.voices) == 0 {
		m.mu.Unlock()
		return nil
	}
	acc := make([]float64, m.frameSamples)
	var finished []*Voice
	kept := m.voices[:0]
	for _, v := range m.voices {
		if v.render(acc) {
			kept = append(kept, v)
		} else {
			finished = append(finished, v)
		}
	}
	for i := len(kept); i < len(m.voices); i++ {
		m.voices[i] = nil
	}
	m.voices = kept
	m.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}
	return audio.Flatten(acc)
}

// Voice is one playing clip. Its methods are safe to call at any time,
// including after it finished.
type Voice struct {
	m       *Mixer
	samples []int16
	pos     int

	fadeIn    audio.Ramp
	fadeOut   audio.Ramp
	fadeStart int

	startedAt time.Time
	endsAt    time.Time

	once sync.Once
	done chan struct{}
}

// render mixes the next frame into acc. Caller holds m.mu. It reports
// whether the voice has more to play.
func (v *Voice) render(acc []float64) bool {
	n := len(acc)
	if rest := len(v.samples) - v.pos; rest < n {
		n = rest
	}
	if v.fadeStart >= 0 {
		if rest := v.fadeStart + v.fadeOut.Length - v.pos; rest < n {
			n = rest
		}
	}
	if n <= 0 {
		return false
	}
	base := v.pos
	audio.MixInto(acc[:n], v.samples[base:base+n], func(i int) float64 {
		g := v.fadeIn.Gain(base + i)
		if v.fadeStart >= 0 {
			g *= v.fadeOut.Gain(base + i - v.fadeStart)
		}
		return g
	})
	v.pos += n
	if v.pos >= len(v.samples) {
		return false
	}
	if v.fadeStart >= 0 && v.pos >= v.fadeStart+v.fadeOut.Length {
		return false
	}
	return true
}

func (v *Voice) finish() {
	v.once.Do(func() { close(v.done) })
}

// Done is closed when the voice has finished or was stopped.
func (v *Voice) Done() <-chan struct{} { return v.done }

// Playing reports whether the voice is still sounding.
func (v *Voice) Playing() bool {
	select {
	case <-v.done:
		return false
	default:
		return true
	}
}

// StartedAt is when playback began.
func (v *Voice) StartedAt() time.Time {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return v.startedAt
}

// EndsAt is when the voice finishes or is expected to finish.
func (v *Voice) EndsAt() time.Time {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	return v.endsAt
}

// FadeOut ramps the voice to silence over d from now and ends it there. It
// returns the resulting end time. A voice that would end sooner on its own is
// left unfaded and its end time is refreshed from the playback position.
func (v *Voice) FadeOut(d time.Duration) time.Time {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if !v.Playing() {
		return v.endsAt
	}
	length := audio.SamplesFor(d, m.rate)
	if rest := len(v.samples) - v.pos; rest <= length {
		v.endsAt = m.now().Add(audio.DurationOf(rest, m.rate))
		return v.endsAt
	}
	if v.fadeStart >= 0 && v.fadeStart+v.fadeOut.Length <= v.pos+length {
		return v.endsAt
	}
	v.fadeStart = v.pos
	v.fadeOut = audio.Ramp{From: 1, To: 0, Length: length}
	v.endsAt = m.now().Add(d)
	return v.endsAt
}

// Stop cuts the voice immediately. It is idempotent.
func (v *Voice) Stop() {
	m := v.m
	m.mu.Lock()
	for i, x := range m.voices {
		if x == v {
			m.voices = append(m.voices[:i], m.voices[i+1:]...)
			break
		}
	}
	if v.Playing() {
		if now := m.now(); now.Before(v.endsAt) {
			v.endsAt = now
		}
	}
	m.mu.Unlock()
	v.finish()
}
