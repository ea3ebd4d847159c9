package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/chadiek/voice-core/internal/audio"
)

// device is the part of a malgo capture device the source drives.
type device interface {
	Start() error
	Stop() error
	Uninit()
}

// opener initializes a capture device that calls onData with raw PCM16 LE
// bytes. release frees whatever backend context the device needs.
type opener func(onData func([]byte)) (dev device, release func(), err error)

// DeviceSource captures 16 kHz mono PCM16 from the default system microphone.
type DeviceSource struct {
	open opener

	mu      sync.Mutex
	dev     device
	release func()
	stop    context.CancelFunc
}

// NewDeviceSource returns a source for the default capture device.
func NewDeviceSource() *DeviceSource { return &DeviceSource{open: openMalgo} }

func (s *DeviceSource) Name() string { return "default" }

// Start opens and starts the device. Any backend or device failure is a
// PermissionError so the session can fall back to synthetic capture.
func (s *DeviceSource) Start(ctx context.Context, sink Sink) error {
	var fmu sync.Mutex
	framer := NewFramer(sink)
	dev, release, err := s.open(func(pcm []byte) {
		fmu.Lock()
		_, _ = framer.Write(pcm)
		fmu.Unlock()
	})
	if err != nil {
		return &PermissionError{Device: s.Name(), Err: err}
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		release()
		return &PermissionError{Device: s.Name(), Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.dev, s.release, s.stop = dev, release, cancel
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

// Close stops the device. Safe to call more than once.
func (s *DeviceSource) Close() error {
	s.mu.Lock()
	dev, release, stop := s.dev, s.release, s.stop
	s.dev, s.release, s.stop = nil, nil, nil
	s.mu.Unlock()
	if dev == nil {
		return nil
	}
	stop()
	err := dev.Stop()
	dev.Uninit()
	release()
	return err
}

func openMalgo(onData func([]byte)) (device, func(), error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = 1
	dc.SampleRate = audio.SampleRate
	dc.PeriodSizeInMilliseconds = uint32(audio.FrameDuration.Milliseconds())

	dev, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) > 0 {
				onData(in)
			}
		},
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	if dev == nil {
		release()
		return nil, nil, errors.New("no capture device")
	}
	return dev, release, nil
}
