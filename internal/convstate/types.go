package convstate

import (
	"time"
)

// State is the active voice-interaction state of a session.
type State string

const (
	Listening   State = "listening"
	Processing  State = "processing"
	Thinking    State = "thinking"
	Speaking    State = "speaking"
	Interrupted State = "interrupted"
	Calibrating State = "calibrating"
	Error       State = "error"
)

// States lists every state in declaration order.
var States = []State{Listening, Processing, Thinking, Speaking, Interrupted, Calibrating, Error}

// allowed is the directed transition table. Thinking has no entries and is
// only reachable through ForceTransition.
var allowed = map[State]map[State]bool{
	Listening:   {Speaking: true, Processing: true, Calibrating: true, Error: true},
	Speaking:    {Interrupted: true, Listening: true, Error: true},
	Interrupted: {Processing: true, Listening: true, Error: true},
	Processing:  {Speaking: true, Listening: true, Error: true},
	Calibrating: {Listening: true, Error: true},
	Error:       {Listening: true, Calibrating: true},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	return allowed[from][to]
}

// Context is the payload carried by a transition. The set of cases is closed.
type Context interface {
	Kind() string
	sealed()
}

// Interruption carries the text that was interrupted or is being spoken, and
// the detector confidence when a barge-in caused it.
type Interruption struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ProcessingStarted carries the user input handed to the backend.
type ProcessingStarted struct {
	Input string `json:"input"`
}

// ErrorOccurred carries a human readable failure message.
type ErrorOccurred struct {
	Message string `json:"message"`
}

// NoContext is used by transitions that carry nothing.
type NoContext struct{}

func (Interruption) Kind() string      { return "interruption" }
func (ProcessingStarted) Kind() string { return "processing_started" }
func (ErrorOccurred) Kind() string     { return "error_occurred" }
func (NoContext) Kind() string         { return "none" }

func (Interruption) sealed()      {}
func (ProcessingStarted) sealed() {}
func (ErrorOccurred) sealed()     {}
func (NoContext) sealed()         {}

// Transition is an immutable history entry.
type Transition struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"timestamp"`
	Trigger string    `json:"trigger"`
	Context Context   `json:"context"`
	Forced  bool      `json:"forced,omitempty"`
}

// Rejection is published when a requested transition is not in the table.
type Rejection struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"timestamp"`
}

// TimeoutEvent is published when a state exceeded its budget and the
// machine moved on by itself.
type TimeoutEvent struct {
	State   State         `json:"state"`
	Next    State         `json:"next"`
	Trigger string        `json:"trigger"`
	Budget  time.Duration `json:"budget"`
	At      time.Time     `json:"timestamp"`
}

// Timeouts is the per-state time budget. A zero duration disables the
// timeout for that state. Listening and Error never time out.
type Timeouts struct {
	Speaking    time.Duration
	Interrupted time.Duration
	Processing  time.Duration
	Calibrating time.Duration
}

// DefaultTimeouts returns the stock budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Speaking:    30 * time.Second,
		Interrupted: 5 * time.Second,
		Processing:  10 * time.Second,
		Calibrating: 5 * time.Second,
	}
}

// OverloadMessage is the error context recorded when processing times out.
const OverloadMessage = "backend did not respond in time, the system may be overloaded"

type timeoutRule struct {
	budget  time.Duration
	next    State
	trigger string
	ctx     Context
}

func (t Timeouts) rule(s State) (timeoutRule, bool) {
	var r timeoutRule
	switch s {
	case Speaking:
		r = timeoutRule{t.Speaking, Listening, "speaking_timeout", NoContext{}}
	case Interrupted:
		r = timeoutRule{t.Interrupted, Listening, "interruption_timeout", NoContext{}}
	case Processing:
		r = timeoutRule{t.Processing, Error, "processing_timeout", ErrorOccurred{Message: OverloadMessage}}
	case Calibrating:
		r = timeoutRule{t.Calibrating, Listening, "calibration_timeout", NoContext{}}
	default:
		return r, false
	}
	return r, r.budget > 0
}

// Snapshot is a read-only view over the transition log.
type Snapshot struct {
	Current            State                   `json:"current"`
	Context            Context                 `json:"context"`
	EnteredAt          time.Time               `json:"enteredAt"`
	TotalTransitions   int                     `json:"totalTransitions"`
	TimeInState        map[State]time.Duration `json:"timeInState"`
	AverageTimeInState map[State]time.Duration `json:"averageTimeInState"`
	LastTransition     *Transition             `json:"lastTransition,omitempty"`
	History            []Transition            `json:"history"`
}

// Recorder receives counters for external metrics.
type Recorder interface {
	ObserveTransition(from, to string)
	ObserveRejection(from, to string)
	ObserveTimeout(state string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(string, string) {}
func (nopRecorder) ObserveRejection(string, string)  {}
func (nopRecorder) ObserveTimeout(string)            {}
