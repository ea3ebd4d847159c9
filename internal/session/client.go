// Package session owns one duplex voice session with the backend: it streams
// captured audio, dispatches server events, drives the conversation state
// machine and cuts playback on barge-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/ack"
	"github.com/chadiek/voice-core/internal/ambient"
	"github.com/chadiek/voice-core/internal/audio"
	"github.com/chadiek/voice-core/internal/barge"
	"github.com/chadiek/voice-core/internal/capture"
	"github.com/chadiek/voice-core/internal/convstate"
	"github.com/chadiek/voice-core/internal/protocol"
	"github.com/chadiek/voice-core/internal/retry"
	"github.com/chadiek/voice-core/internal/transport"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("session: stopped")

const defaultEventBuffer = 64

// Options wires a Client. Dialer and Source are required.
type Options struct {
	Dialer transport.Dialer
	Source capture.Source
	// Fallback replaces Source when the microphone is unavailable. Defaults
	// to a quiet synthetic tone.
	Fallback capture.Source
	// Machine defaults to a private machine with the stock timeouts, cleaned
	// up by Stop.
	Machine     *convstate.Machine
	Buffer      *ambient.Buffer
	Barge       barge.Config
	Speaker     Speaker
	Retry       retry.Policy
	Recorder    Recorder
	Logger      zerolog.Logger
	EventBuffer int
}

// Client is one voice session.
type Client struct {
	dialer      transport.Dialer
	source      capture.Source
	fallback    capture.Source
	machine     *convstate.Machine
	ownsMachine bool
	buffer      *ambient.Buffer
	detector    *barge.Detector
	speaker     Speaker
	policy      retry.Policy
	rec         Recorder
	log         zerolog.Logger

	mu          sync.Mutex
	started     bool
	stopped     bool
	runCtx      context.Context
	cancel      context.CancelFunc
	conn        transport.Conn
	active      capture.Source
	degraded    bool
	terminal    bool
	mute        MuteLevel
	lastPartial string
	turn        uint64
	ackReady    chan struct{}

	// awaitingResult is set between agent_ack and agent_result. A barge-in
	// in that gap marks the pending result for dropping.
	awaitingResult bool
	dropResult     bool

	calib         *calibration
	baseThreshold float64

	lost chan error
	wg   sync.WaitGroup

	evMu        sync.RWMutex
	closed      bool
	transcripts chan TranscriptEvent
	statuses    chan protocol.StatusUpdate
	summaries   chan protocol.AmbientSummary
	proactive   chan protocol.ProactiveTrigger
	errs        chan ErrorEvent
	connection  chan ConnectionEvent
}

func New(opts Options) *Client {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Fallback == nil {
		opts.Fallback = capture.NewSynthetic()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Speaker == nil {
		opts.Speaker = silentSpeaker{}
	}
	c := &Client{
		dialer:   opts.Dialer,
		source:   opts.Source,
		fallback: opts.Fallback,
		machine:  opts.Machine,
		buffer:   opts.Buffer,
		speaker:  opts.Speaker,
		policy:   opts.Retry,
		rec:      opts.Recorder,
		log:      opts.Logger.With().Str("component", "session").Logger(),
		mute:     MuteNone,
		lost:     make(chan error, 1),

		transcripts: make(chan TranscriptEvent, opts.EventBuffer),
		statuses:    make(chan protocol.StatusUpdate, opts.EventBuffer),
		summaries:   make(chan protocol.AmbientSummary, opts.EventBuffer),
		proactive:   make(chan protocol.ProactiveTrigger, opts.EventBuffer),
		errs:        make(chan ErrorEvent, opts.EventBuffer),
		connection:  make(chan ConnectionEvent, opts.EventBuffer),
	}
	if c.machine == nil {
		c.machine = convstate.New(convstate.Options{Timeouts: convstate.DefaultTimeouts(), Logger: opts.Logger})
		c.ownsMachine = true
	}
	if c.buffer == nil {
		c.buffer = ambient.NewBuffer(ambient.DefaultConfig(), nil, opts.Logger, nil)
	}
	c.detector = barge.NewDetector(opts.Barge, barge.Events{OnTrigger: c.onBarge})
	c.baseThreshold = c.detector.Threshold()
	return c
}

func (c *Client) Transcripts() <-chan TranscriptEvent         { return c.transcripts }
func (c *Client) Statuses() <-chan protocol.StatusUpdate      { return c.statuses }
func (c *Client) Summaries() <-chan protocol.AmbientSummary   { return c.summaries }
func (c *Client) Proactive() <-chan protocol.ProactiveTrigger { return c.proactive }
func (c *Client) Errors() <-chan ErrorEvent                   { return c.errs }
func (c *Client) Connection() <-chan ConnectionEvent          { return c.connection }
func (c *Client) Machine() *convstate.Machine                 { return c.machine }
func (c *Client) Buffer() *ambient.Buffer                     { return c.buffer }

// Degraded reports whether capture fell back to the synthetic source.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Start opens capture, dials the backend and begins streaming. It returns
// once frames are flowing. A failed first dial is returned as a
// *TransportError and leaves the client stopped.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx, c.cancel = runCtx, cancel
	c.mu.Unlock()

	if err := c.startCapture(runCtx); err != nil {
		c.Stop()
		return err
	}

	c.publishConnection(StatusConnecting, 0)
	conn, err := c.dialer.Dial(runCtx)
	if err != nil {
		c.log.Error().Err(err).Msg("voice endpoint unreachable")
		c.Stop()
		return &TransportError{Op: "dial", Err: err}
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.supervise(runCtx)

	c.log.Info().Bool("degraded", c.Degraded()).Msg("voice session started")
	return nil
}

func (c *Client) startCapture(ctx context.Context) error {
	err := c.source.Start(ctx, c.onFrame)
	if err == nil {
		c.mu.Lock()
		c.active = c.source
		c.mu.Unlock()
		return nil
	}
	var perr *capture.PermissionError
	if !errors.As(err, &perr) {
		return fmt.Errorf("start capture: %w", err)
	}

	c.log.Warn().Err(err).Str("fallback", c.fallback.Name()).Msg("microphone unavailable, using fallback source")
	c.publishError(KindPermission, "Microphone unavailable, running in degraded mode.", false)
	if err := c.fallback.Start(ctx, c.onFrame); err != nil {
		return fmt.Errorf("start fallback capture: %w", err)
	}
	c.mu.Lock()
	c.active = c.fallback
	c.degraded = true
	c.mu.Unlock()
	return nil
}

// Stop tears down capture, the supervisor and the channel. It is idempotent
// and safe from any state.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel, conn, active := c.cancel, c.conn, c.active
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if active != nil {
		if err := active.Close(); err != nil {
			c.log.Warn().Err(err).Msg("closing capture failed")
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.speaker.Cancel()
	c.detector.SetPlaying(false)
	c.wg.Wait()

	if c.ownsMachine {
		c.machine.Cleanup()
	}
	c.publishConnection(StatusDisconnected, 0)

	c.evMu.Lock()
	c.closed = true
	close(c.transcripts)
	close(c.statuses)
	close(c.summaries)
	close(c.proactive)
	close(c.errs)
	close(c.connection)
	c.evMu.Unlock()
	c.log.Info().Msg("voice session stopped")
}

// attach makes conn the live channel and starts reading from it.
func (c *Client) attach(conn transport.Conn) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	level := c.mute
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(conn)
	c.publishConnection(StatusConnected, 0)
	if level != MuteNone {
		c.sendControl(conn, muteAction(level))
	}
}

func (c *Client) readLoop(conn transport.Conn) {
	defer c.wg.Done()
	for raw := range conn.Messages() {
		c.dispatch(conn, raw)
	}
	<-conn.Done()
	err := conn.Err()

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	stopping := c.stopped
	c.mu.Unlock()
	if !current || stopping || err == nil {
		return
	}
	c.log.Warn().Err(err).Msg("voice channel lost")
	select {
	case c.lost <- err:
	default:
	}
}

// onFrame is the capture callback. It never blocks: frames go onto the
// transport's bounded queue or are dropped.
func (c *Client) onFrame(f audio.Frame) {
	c.mu.Lock()
	level, conn := c.mute, c.conn
	if c.calib != nil && c.calib.add(f.Energy()) {
		c.calib = nil
	}
	c.mu.Unlock()

	if level != MuteHard {
		c.detector.SetPlaying(c.speaker.Playing())
		c.detector.Feed(f)
	}
	if level != MuteNone {
		return
	}
	if conn == nil {
		c.rec.RecordFrame(false)
		return
	}
	payload, err := protocol.Encode(protocol.NewAudioFrame(f))
	if err != nil {
		c.rec.RecordFrame(false)
		return
	}
	if err := conn.Send(payload); err != nil {
		c.rec.RecordFrame(false)
		return
	}
	c.rec.RecordFrame(true)
}

func (c *Client) onBarge(tr barge.Trigger) {
	c.speaker.Cancel()
	c.rec.RecordBargeIn()

	c.mu.Lock()
	c.turn++
	if c.awaitingResult {
		c.dropResult = true
	}
	partial := c.lastPartial
	c.mu.Unlock()

	ok := c.machine.Interrupt(partial, tr.Confidence)
	c.log.Info().
		Float64("energy", tr.Energy).
		Float64("confidence", tr.Confidence).
		Dur("sustained", tr.Sustained).
		Bool("transitioned", ok).
		Msg("barge-in")
}

func (c *Client) sendControl(conn transport.Conn, action string) bool {
	if conn == nil {
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}
	if conn == nil {
		c.log.Debug().Str("action", action).Msg("control not sent, channel down")
		return false
	}
	payload, err := protocol.Encode(protocol.NewControl(action))
	if err != nil {
		return false
	}
	if err := conn.Send(payload); err != nil {
		c.log.Warn().Err(err).Str("action", action).Msg("control send failed")
		return false
	}
	return true
}

// MuteLevel returns the current gate level.
func (c *Client) MuteLevel() MuteLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mute
}

// Mute moves none to soft.
func (c *Client) Mute() bool {
	return c.changeMute(func(l MuteLevel) (MuteLevel, string) {
		if l == MuteNone {
			return MuteSoft, protocol.ActionMute
		}
		return l, ""
	})
}

// Unmute moves soft to none. It has no effect under a hard mute.
func (c *Client) Unmute() bool {
	return c.changeMute(func(l MuteLevel) (MuteLevel, string) {
		if l == MuteSoft {
			return MuteNone, protocol.ActionUnmute
		}
		return l, ""
	})
}

// HardMute moves any level to hard.
func (c *Client) HardMute() bool {
	return c.changeMute(func(l MuteLevel) (MuteLevel, string) {
		if l != MuteHard {
			return MuteHard, protocol.ActionHardMute
		}
		return l, ""
	})
}

// HardUnmute moves hard to none.
func (c *Client) HardUnmute() bool {
	return c.changeMute(func(l MuteLevel) (MuteLevel, string) {
		if l == MuteHard {
			return MuteNone, protocol.ActionHardUnmute
		}
		return l, ""
	})
}

func (c *Client) changeMute(step func(MuteLevel) (MuteLevel, string)) bool {
	c.mu.Lock()
	from := c.mute
	to, action := step(from)
	c.mute = to
	conn := c.conn
	c.mu.Unlock()
	if action == "" {
		return false
	}
	c.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("mute level changed")
	if conn != nil {
		c.sendControl(conn, action)
	}
	return true
}

func muteAction(l MuteLevel) string {
	if l == MuteHard {
		return protocol.ActionHardMute
	}
	return protocol.ActionMute
}

// ClearMemory empties the local ambient buffer and asks the backend to do the
// same.
func (c *Client) ClearMemory() {
	c.buffer.Clear()
	c.sendControl(nil, protocol.ActionClearMemory)
}

func (c *Client) publishError(kind ErrorKind, msg string, terminal bool) {
	publish(c, c.errs, ErrorEvent{
		Message:  msg,
		State:    c.machine.State(),
		Kind:     kind,
		Terminal: terminal,
		At:       time.Now(),
	})
}

func (c *Client) publishConnection(status ConnectionStatus, attempt int) {
	publish(c, c.connection, ConnectionEvent{Status: status, Attempt: attempt, At: time.Now()})
}

// publish never blocks; a full channel drops the event.
func publish[T any](c *Client, ch chan T, v T) {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	if c.closed {
		return
	}
	select {
	case ch <- v:
	default:
		c.log.Debug().Type("event", v).Msg("event channel full, dropping")
	}
}

// silentSpeaker is used when no playback is configured.
type silentSpeaker struct{}

func (silentSpeaker) StartAck(context.Context, string, map[string]any) error { return nil }
func (silentSpeaker) Playing() bool                                          { return false }
func (silentSpeaker) Cancel()                                                {}
func (silentSpeaker) AnnounceResult(context.Context, string) (ack.Crossfade, error) {
	done := make(chan struct{})
	close(done)
	return ack.Crossfade{ResultStart: time.Now(), Done: done}, nil
}
