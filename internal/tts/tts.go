// Package tts renders text to PCM clips through an external speech service.
package tts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/chadiek/voice-core/internal/audio"
	"github.com/chadiek/voice-core/internal/playback"
)

// ErrEmptyText is returned when there is nothing to say.
var ErrEmptyText = errors.New("tts: empty text")

// Synthesizer renders text to mono PCM16.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (playback.Clip, error)
}

// pcmCollector accumulates streamed PCM16 LE bytes. It is safe to write from
// a transport callback while another goroutine polls it.
type pcmCollector struct {
	now func() time.Time

	mu   sync.Mutex
	buf  []byte
	last time.Time
	err  error
}

func newCollector() *pcmCollector { return &pcmCollector{now: time.Now} }

// Write implements io.Writer.
func (c *pcmCollector) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	c.buf = append(c.buf, p...)
	c.last = c.now()
	c.mu.Unlock()
	return len(p), nil
}

// fail records the first stream error.
func (c *pcmCollector) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// settled reports whether audio has arrived and then stopped for window.
func (c *pcmCollector) settled(window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.last.IsZero() && c.now().Sub(c.last) > window
}

func (c *pcmCollector) empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) == 0
}

// clip returns the collected audio, dropping a dangling odd byte.
func (c *pcmCollector) clip(rate int) (playback.Clip, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return playback.Clip{}, c.err
	}
	raw := c.buf
	if len(raw)%2 == 1 {
		raw = raw[:len(raw)-1]
	}
	return playback.Clip{Samples: audio.DecodePCM16(raw), SampleRate: rate}, nil
}
