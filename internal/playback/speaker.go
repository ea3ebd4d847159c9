package playback

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/chadiek/voice-core/internal/audio"
)

// maxQueued bounds how far the speaker may lag behind the mixer.
const maxQueued = 250 * time.Millisecond

// ErrSinkClosed is returned by WriteFrame after Close.
var ErrSinkClosed = errors.New("playback: speaker closed")

type player interface {
	Play()
	Close() error
}

// Speaker plays mixed frames on the default output device. The device pulls
// bytes through Read; the mixer pushes them through WriteFrame.
type Speaker struct {
	newPlayer func(io.Reader) player
	maxBytes  int

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	player  player
	closed  bool
	dropped int // bytes
}

// NewSpeaker opens the default output device for mono PCM16 at rate Hz.
func NewSpeaker(rate int) (*Speaker, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	<-ready
	return newSpeaker(rate, func(r io.Reader) player { return ctx.NewPlayer(r) }), nil
}

func newSpeaker(rate int, newPlayer func(io.Reader) player) *Speaker {
	s := &Speaker{
		newPlayer: newPlayer,
		maxBytes:  audio.SamplesFor(maxQueued, rate) * 2,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// WriteFrame queues a frame. The player starts on the first write. When the
// device falls behind, the oldest queued audio is dropped.
func (s *Speaker) WriteFrame(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	s.buf = append(s.buf, audio.EncodePCM16(samples)...)
	if over := len(s.buf) - s.maxBytes; over > 0 {
		over += over % 2
		s.buf = append(s.buf[:0], s.buf[over:]...)
		s.dropped += over
	}
	if s.player == nil {
		s.player = s.newPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the device. It blocks until audio is queued
// and returns silence once the speaker is closed.
func (s *Speaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Dropped returns how many bytes were discarded because the device lagged.
func (s *Speaker) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops the player. Safe to call more than once.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = nil
	p := s.player
	s.cond.Broadcast()
	s.mu.Unlock()
	if p != nil {
		return p.Close()
	}
	return nil
}
