// Package convstate tracks the single active conversation state of a voice
// session, validates transitions against a fixed table and enforces
// per-state time budgets.
package convstate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/schedule"
)

const (
	defaultHistoryLimit = 50
	defaultEventBuffer  = 32
)

// Options configures a Machine.
type Options struct {
	Timeouts     Timeouts
	HistoryLimit int
	EventBuffer  int
	Logger       zerolog.Logger
	Recorder     Recorder
}

// Machine is the conversation state machine. All methods are safe for
// concurrent use; transitions are serialized.
type Machine struct {
	mu        sync.Mutex
	state     State
	ctx       Context
	enteredAt time.Time

	history      []Transition
	historyLimit int
	total        int
	timeIn       map[State]time.Duration
	stays        map[State]int

	timeouts Timeouts
	timer    *schedule.Task
	gen      uint64
	closed   bool

	transitions chan Transition
	rejections  chan Rejection
	timeoutsCh  chan TimeoutEvent

	log zerolog.Logger
	rec Recorder
}

// New returns a machine in Listening.
func New(opts Options) *Machine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Machine{
		state:        Listening,
		ctx:          NoContext{},
		enteredAt:    time.Now(),
		historyLimit: opts.HistoryLimit,
		timeIn:       make(map[State]time.Duration),
		stays:        make(map[State]int),
		timeouts:     opts.Timeouts,
		transitions:  make(chan Transition, opts.EventBuffer),
		rejections:   make(chan Rejection, opts.EventBuffer),
		timeoutsCh:   make(chan TimeoutEvent, opts.EventBuffer),
		log:          opts.Logger.With().Str("component", "convstate").Logger(),
		rec:          opts.Recorder,
	}
}

// Transitions delivers every applied transition, forced ones included.
func (m *Machine) Transitions() <-chan Transition { return m.transitions }

// Rejections delivers every transition request refused by the table.
func (m *Machine) Rejections() <-chan Rejection { return m.rejections }

// Timeouts delivers every automatic transition caused by a state budget.
func (m *Machine) Timeouts() <-chan TimeoutEvent { return m.timeoutsCh }

// State returns the active state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns the context attached by the last transition.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// TransitionTo moves to the given state if (current, to) is in the table. It
// returns false and leaves the state unchanged otherwise.
func (m *Machine) TransitionTo(to State, trigger string, ctx Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if !CanTransition(m.state, to) {
		rej := Rejection{From: m.state, To: to, Trigger: trigger, At: time.Now()}
		m.log.Warn().Str("from", string(m.state)).Str("to", string(to)).Str("trigger", trigger).Msg("invalid state transition")
		m.rec.ObserveRejection(string(rej.From), string(rej.To))
		select {
		case m.rejections <- rej:
		default:
			m.log.Debug().Msg("rejection event dropped, channel full")
		}
		return false
	}
	m.apply(to, trigger, ctx, false)
	return true
}

// ForceTransition moves to any state, bypassing the table. It exists for
// operator recovery and test setup; the history entry is tagged FORCED.
func (m *Machine) ForceTransition(to State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.log.Warn().Str("from", string(m.state)).Str("to", string(to)).Str("reason", reason).Msg("forced state transition")
	m.apply(to, "FORCED: "+reason, NoContext{}, true)
}

// apply performs a transition. Caller holds m.mu.
func (m *Machine) apply(to State, trigger string, ctx Context, forced bool) {
	if ctx == nil {
		ctx = NoContext{}
	}
	now := time.Now()
	m.disarm()

	from := m.state
	m.timeIn[from] += now.Sub(m.enteredAt)
	m.stays[from]++

	tr := Transition{From: from, To: to, At: now, Trigger: trigger, Context: ctx, Forced: forced}
	m.history = append(m.history, tr)
	if over := len(m.history) - m.historyLimit; over > 0 {
		m.history = append(m.history[:0:0], m.history[over:]...)
	}
	m.total++

	m.state = to
	m.ctx = ctx
	m.enteredAt = now
	m.arm(to)

	m.log.Debug().Str("from", string(from)).Str("to", string(to)).Str("trigger", trigger).Msg("state transition")
	m.rec.ObserveTransition(string(from), string(to))
	select {
	case m.transitions <- tr:
	default:
		m.log.Debug().Msg("transition event dropped, channel full")
	}
}

// disarm cancels the pending timeout. Caller holds m.mu.
func (m *Machine) disarm() {
	m.gen++
	m.timer.Cancel()
	m.timer = nil
}

// arm schedules the timeout for s, if any. Caller holds m.mu.
func (m *Machine) arm(s State) {
	rule, ok := m.timeouts.rule(s)
	if !ok {
		return
	}
	gen := m.gen
	m.timer = schedule.After(rule.budget, func() { m.expire(gen, s, rule) })
}

func (m *Machine) expire(gen uint64, s State, rule timeoutRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A transition after arming bumps gen, so a timer that lost the race to
	// Cancel must not act on the newer state.
	if m.closed || gen != m.gen || m.state != s {
		return
	}
	m.log.Info().Str("state", string(s)).Dur("budget", rule.budget).Str("next", string(rule.next)).Msg("state timed out")
	m.rec.ObserveTimeout(string(s))
	m.apply(rule.next, rule.trigger, rule.ctx, false)
	ev := TimeoutEvent{State: s, Next: rule.next, Trigger: rule.trigger, Budget: rule.budget, At: time.Now()}
	select {
	case m.timeoutsCh <- ev:
	default:
		m.log.Debug().Msg("timeout event dropped, channel full")
	}
}

// History returns a copy of the bounded transition log, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Metrics returns cumulative and average time per state, the transition
// count and the bounded history. The current stay counts toward the
// cumulative time; averages cover completed stays only.
func (m *Machine) Metrics() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	snap := Snapshot{
		Current:            m.state,
		Context:            m.ctx,
		EnteredAt:          m.enteredAt,
		TotalTransitions:   m.total,
		TimeInState:        make(map[State]time.Duration, len(m.timeIn)+1),
		AverageTimeInState: make(map[State]time.Duration, len(m.stays)),
		History:            append([]Transition(nil), m.history...),
	}
	for s, d := range m.timeIn {
		snap.TimeInState[s] = d
		if n := m.stays[s]; n > 0 {
			snap.AverageTimeInState[s] = d / time.Duration(n)
		}
	}
	snap.TimeInState[m.state] += now.Sub(m.enteredAt)
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		snap.LastTransition = &last
	}
	return snap
}

// Cleanup cancels any pending timeout and closes the event channels. Later
// transitions are refused. It is idempotent.
func (m *Machine) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.disarm()
	m.closed = true
	close(m.transitions)
	close(m.rejections)
	close(m.timeoutsCh)
}

// StartSpeaking moves to speaking while the assistant plays text.
func (m *Machine) StartSpeaking(text string) bool {
	return m.TransitionTo(Speaking, "start_speaking", Interruption{Text: text})
}

// StopSpeaking returns to listening once playback has finished.
func (m *Machine) StopSpeaking() bool {
	return m.TransitionTo(Listening, "stop_speaking", NoContext{})
}

// Interrupt records a barge-in with the partial user input captured so far.
func (m *Machine) Interrupt(partial string, confidence float64) bool {
	return m.TransitionTo(Interrupted, "barge_in", Interruption{Text: partial, Confidence: confidence})
}

// StartProcessing marks a finished user turn as being handled.
func (m *Machine) StartProcessing(input string) bool {
	return m.TransitionTo(Processing, "start_processing", ProcessingStarted{Input: input})
}

// FinishProcessing returns to listening after a turn was handled.
func (m *Machine) FinishProcessing() bool {
	return m.TransitionTo(Listening, "processing_complete", NoContext{})
}

// StartCalibration enters calibrating while the room noise floor is measured.
func (m *Machine) StartCalibration() bool {
	return m.TransitionTo(Calibrating, "start_calibration", NoContext{})
}

// FinishCalibration returns to listening after calibration ends or aborts.
func (m *Machine) FinishCalibration() bool {
	return m.TransitionTo(Listening, "calibration_complete", NoContext{})
}

// Fail enters the error state with a human-readable message.
func (m *Machine) Fail(message string) bool {
	return m.TransitionTo(Error, "error", ErrorOccurred{Message: message})
}

// Recover leaves the error state for listening.
func (m *Machine) Recover() bool {
	return m.TransitionTo(Listening, "recover", NoContext{})
}
