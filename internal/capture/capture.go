// Package capture produces fixed-duration PCM16 frames from an audio input.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/chadiek/voice-core/internal/audio"
)

// PermissionError reports that the audio input is denied or unavailable.
// Callers fall back to a synthetic source instead of failing the session.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("audio input %q unavailable: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Sink receives captured frames. It must not block.
type Sink func(audio.Frame)

// Source is a capture device.
type Source interface {
	Name() string
	// Start begins delivering frames to sink until ctx is done or Close is
	// called. It returns once capture is running.
	Start(ctx context.Context, sink Sink) error
	Close() error
}

// Framer slices a PCM16 LE byte stream into 20 ms frames.
type Framer struct {
	sink Sink
	now  func() time.Time
	buf  []byte
}

func NewFramer(sink Sink) *Framer {
	return &Framer{sink: sink, now: time.Now, buf: make([]byte, 0, audio.FrameBytes*2)}
}

// Write implements io.Writer. Partial frames are held until completed.
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	for len(f.buf) >= audio.FrameBytes {
		samples := audio.DecodePCM16(f.buf[:audio.FrameBytes])
		f.sink(audio.Frame{Samples: samples, Timestamp: f.now()})
		f.buf = append(f.buf[:0], f.buf[audio.FrameBytes:]...)
	}
	return len(p), nil
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (f *Framer) Pending() int { return len(f.buf) }

// ReaderSource captures raw PCM16 LE 16 kHz mono from a device node, a named
// pipe or a file. Regular files are paced at real time.
type ReaderSource struct {
	Path string

	mu     sync.Mutex
	rc     io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReaderSource(path string) *ReaderSource { return &ReaderSource{Path: path} }

func (s *ReaderSource) Name() string { return s.Path }

func (s *ReaderSource) Start(ctx context.Context, sink Sink) error {
	if s.Path == "" {
		return &PermissionError{Device: s.Path, Err: errors.New("no audio input configured")}
	}
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrNotExist) {
			return &PermissionError{Device: s.Path, Err: err}
		}
		return fmt.Errorf("open audio input: %w", err)
	}
	paced := false
	if st, err := f.Stat(); err == nil && st.Mode().IsRegular() {
		paced = true
	}
	return s.run(ctx, f, paced, sink)
}

// StartReader captures from an already open stream. Used for stdin and tests.
func (s *ReaderSource) StartReader(ctx context.Context, r io.ReadCloser, paced bool, sink Sink) error {
	return s.run(ctx, r, paced, sink)
}

func (s *ReaderSource) run(ctx context.Context, rc io.ReadCloser, paced bool, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.rc = rc
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	framer := NewFramer(sink)
	go func() {
		defer close(done)
		defer rc.Close()
		var ticker *time.Ticker
		if paced {
			ticker = time.NewTicker(audio.FrameDuration)
			defer ticker.Stop()
		}
		buf := make([]byte, audio.FrameBytes)
		for {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			} else if ctx.Err() != nil {
				return
			}
			n, err := io.ReadFull(rc, buf)
			if n > 0 {
				_, _ = framer.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		// Unblock a pending Read when the context ends.
		select {
		case <-ctx.Done():
			_ = rc.Close()
		case <-done:
		}
	}()
	return nil
}

// Done is closed when capture has stopped, either after Close or at end of input.
func (s *ReaderSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *ReaderSource) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Synthetic generates a quiet tone at real time. It stands in for the
// microphone when real capture is unavailable so the rest of the session
// keeps working in a degraded mode.
type Synthetic struct {
	Hz        float64
	Amplitude float64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSynthetic returns a tone quiet enough never to trip barge-in.
func NewSynthetic() *Synthetic { return &Synthetic{Hz: 220, Amplitude: 0.005} }

func (s *Synthetic) Name() string { return "synthetic" }

func (s *Synthetic) Start(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	// one second of tone, looped
	tone := audio.Sine(audio.SampleRate, s.Hz, s.Amplitude, time.Second)
	go func() {
		defer close(done)
		ticker := time.NewTicker(audio.FrameDuration)
		defer ticker.Stop()
		off := 0
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if off+audio.FrameSamples > len(tone) {
					off = 0
				}
				frame := make([]int16, audio.FrameSamples)
				copy(frame, tone[off:off+audio.FrameSamples])
				off += audio.FrameSamples
				sink(audio.Frame{Samples: frame, Timestamp: now})
			}
		}
	}()
	return nil
}

func (s *Synthetic) Close() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
