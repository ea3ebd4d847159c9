package convstate

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecorder struct {
	mu          sync.Mutex
	transitions int
	rejections  int
	timeouts    map[string]int
}

func (r *countingRecorder) ObserveTransition(string, string) {
	r.mu.Lock()
	r.transitions++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveRejection(string, string) {
	r.mu.Lock()
	r.rejections++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveTimeout(state string) {
	r.mu.Lock()
	if r.timeouts == nil {
		r.timeouts = map[string]int{}
	}
	r.timeouts[state]++
	r.mu.Unlock()
}

func newMachine(t *testing.T, timeouts Timeouts) *Machine {
	t.Helper()
	m := New(Options{Timeouts: timeouts, Logger: zerolog.Nop()})
	t.Cleanup(m.Cleanup)
	return m
}

func TestNew_StartsListening(t *testing.T) {
	m := newMachine(t, Timeouts{})
	assert.Equal(t, Listening, m.State())
	assert.Equal(t, NoContext{}, m.Context())
	assert.Empty(t, m.History())
}

func TestTransitionTo_RejectsEveryPairOutsideTable(t *testing.T) {
	for _, from := range States {
		for _, to := range States {
			if CanTransition(from, to) {
				continue
			}
			m := newMachine(t, Timeouts{})
			m.ForceTransition(from, "setup")
			before := len(m.History())

			ok := m.TransitionTo(to, "test", NoContext{})
			assert.False(t, ok, "%s -> %s", from, to)
			assert.Equal(t, from, m.State(), "%s -> %s", from, to)
			assert.Len(t, m.History(), before)

			select {
			case rej := <-m.Rejections():
				assert.Equal(t, Rejection{From: from, To: to, Trigger: "test", At: rej.At}, rej)
			default:
				t.Fatalf("no rejection published for %s -> %s", from, to)
			}
		}
	}
}

func TestTransitionTo_AcceptsTable(t *testing.T) {
	for from, targets := range allowed {
		for to := range targets {
			m := newMachine(t, Timeouts{})
			m.ForceTransition(from, "setup")
			assert.True(t, m.TransitionTo(to, "test", NoContext{}), "%s -> %s", from, to)
			assert.Equal(t, to, m.State())
		}
	}
}

func TestThinking_HasNoTableEntries(t *testing.T) {
	for _, s := range States {
		assert.False(t, CanTransition(s, Thinking))
		assert.False(t, CanTransition(Thinking, s))
	}
}

func TestSpeakingToCalibratingIsRejected(t *testing.T) {
	m := newMachine(t, Timeouts{})
	require.True(t, m.StartSpeaking("hej"))
	assert.False(t, m.TransitionTo(Calibrating, "calibrate", NoContext{}))
	assert.Equal(t, Speaking, m.State())
}

func TestStartSpeaking_RecordsTriggerAndContext(t *testing.T) {
	m := newMachine(t, Timeouts{})
	require.True(t, m.StartSpeaking("hello"))

	assert.Equal(t, Speaking, m.State())
	assert.Equal(t, Interruption{Text: "hello"}, m.Context())

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, Listening, hist[0].From)
	assert.Equal(t, Speaking, hist[0].To)
	assert.Equal(t, "start_speaking", hist[0].Trigger)
	assert.False(t, hist[0].Forced)

	tr := <-m.Transitions()
	assert.Equal(t, hist[0], tr)
}

func TestConvenienceFlow(t *testing.T) {
	m := newMachine(t, Timeouts{})
	require.True(t, m.StartSpeaking("answer"))
	require.True(t, m.Interrupt("vänta lite", 0.8))
	assert.Equal(t, Interruption{Text: "vänta lite", Confidence: 0.8}, m.Context())
	require.True(t, m.StartProcessing("vänta lite"))
	assert.Equal(t, ProcessingStarted{Input: "vänta lite"}, m.Context())
	require.True(t, m.FinishProcessing())
	require.True(t, m.StartCalibration())
	require.True(t, m.FinishCalibration())
	require.True(t, m.Fail("mic lost"))
	assert.Equal(t, ErrorOccurred{Message: "mic lost"}, m.Context())
	require.True(t, m.Recover())
	assert.Equal(t, Listening, m.State())
	assert.Equal(t, 8, m.Metrics().TotalTransitions)
}

func TestForceTransition_TaggedInHistory(t *testing.T) {
	m := newMachine(t, Timeouts{})
	m.ForceTransition(Thinking, "operator reset")
	assert.Equal(t, Thinking, m.State())

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, "FORCED: operator reset", hist[0].Trigger)
	assert.True(t, hist[0].Forced)
}

func TestHistory_IsBounded(t *testing.T) {
	m := New(Options{HistoryLimit: 3, Logger: zerolog.Nop()})
	defer m.Cleanup()
	for i := 0; i < 5; i++ {
		require.True(t, m.StartSpeaking("x"))
		require.True(t, m.StopSpeaking())
	}
	hist := m.History()
	require.Len(t, hist, 3)
	assert.Equal(t, Listening, hist[2].To)
	assert.Equal(t, 10, m.Metrics().TotalTransitions)
}

func TestTimeout_PolicyTable(t *testing.T) {
	cases := []struct {
		name    string
		enter   func(m *Machine)
		state   State
		next    State
		trigger string
	}{
		{"speaking", func(m *Machine) { m.StartSpeaking("x") }, Speaking, Listening, "speaking_timeout"},
		{"interrupted", func(m *Machine) { m.ForceTransition(Interrupted, "setup") }, Interrupted, Listening, "interruption_timeout"},
		{"processing", func(m *Machine) { m.StartProcessing("x") }, Processing, Error, "processing_timeout"},
		{"calibrating", func(m *Machine) { m.StartCalibration() }, Calibrating, Listening, "calibration_timeout"},
	}
	budget := 10 * time.Millisecond
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &countingRecorder{}
			m := New(Options{
				Timeouts: Timeouts{Speaking: budget, Interrupted: budget, Processing: budget, Calibrating: budget},
				Logger:   zerolog.Nop(),
				Recorder: rec,
			})
			defer m.Cleanup()

			tc.enter(m)
			require.Equal(t, tc.state, m.State())

			var ev TimeoutEvent
			select {
			case ev = <-m.Timeouts():
			case <-time.After(time.Second):
				t.Fatal("timeout did not fire")
			}
			assert.Equal(t, tc.state, ev.State)
			assert.Equal(t, tc.next, ev.Next)
			assert.Equal(t, tc.trigger, ev.Trigger)
			assert.Equal(t, tc.next, m.State())

			hist := m.History()
			assert.Equal(t, tc.trigger, hist[len(hist)-1].Trigger)
			if tc.next == Error {
				assert.Equal(t, ErrorOccurred{Message: OverloadMessage}, m.Context())
			}
			rec.mu.Lock()
			assert.Equal(t, 1, rec.timeouts[string(tc.state)])
			rec.mu.Unlock()
		})
	}
}

func TestTimeout_ClearedByTransition(t *testing.T) {
	m := newMachine(t, Timeouts{Speaking: 30 * time.Millisecond})
	require.True(t, m.StartSpeaking("x"))
	require.True(t, m.StopSpeaking())
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Listening, m.State())
	select {
	case ev := <-m.Timeouts():
		t.Fatalf("unexpected timeout %+v", ev)
	default:
	}
}

func TestTimeout_StaleTimerDoesNotFireIntoLaterState(t *testing.T) {
	m := newMachine(t, Timeouts{Speaking: 60 * time.Millisecond})
	require.True(t, m.StartSpeaking("first"))
	time.Sleep(35 * time.Millisecond)
	// Re-entering speaking arms a fresh timer; the first must not cut it short.
	require.True(t, m.StopSpeaking())
	require.True(t, m.StartSpeaking("second"))
	time.Sleep(35 * time.Millisecond)
	assert.Equal(t, Speaking, m.State())

	require.Eventually(t, func() bool { return m.State() == Listening }, time.Second, 5*time.Millisecond)
}

func TestListeningAndErrorHaveNoTimeout(t *testing.T) {
	_, ok := DefaultTimeouts().rule(Listening)
	assert.False(t, ok)
	_, ok = DefaultTimeouts().rule(Error)
	assert.False(t, ok)
	_, ok = Timeouts{}.rule(Speaking)
	assert.False(t, ok, "zero budget disables the timeout")
}

func TestMetrics_TimeInState(t *testing.T) {
	m := newMachine(t, Timeouts{})
	require.True(t, m.StartSpeaking("x"))
	time.Sleep(15 * time.Millisecond)
	require.True(t, m.StopSpeaking())

	snap := m.Metrics()
	assert.Equal(t, Listening, snap.Current)
	assert.Equal(t, 2, snap.TotalTransitions)
	assert.GreaterOrEqual(t, snap.TimeInState[Speaking], 15*time.Millisecond)
	assert.Equal(t, snap.TimeInState[Speaking], snap.AverageTimeInState[Speaking])
	require.NotNil(t, snap.LastTransition)
	assert.Equal(t, "stop_speaking", snap.LastTransition.Trigger)

	// The snapshot is a copy.
	snap.History[0].Trigger = "mutated"
	assert.Equal(t, "start_speaking", m.History()[0].Trigger)
}

func TestCleanup_Idempotent(t *testing.T) {
	m := New(Options{Timeouts: Timeouts{Speaking: 10 * time.Millisecond}, Logger: zerolog.Nop()})
	require.True(t, m.StartSpeaking("x"))
	m.Cleanup()
	m.Cleanup()

	assert.False(t, m.StopSpeaking())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Speaking, m.State(), "no timer survives cleanup")

	_, open := <-m.Timeouts()
	assert.False(t, open)
}

func TestRecorder_CountsTransitionsAndRejections(t *testing.T) {
	rec := &countingRecorder{}
	m := New(Options{Logger: zerolog.Nop(), Recorder: rec})
	defer m.Cleanup()
	m.StartSpeaking("x")
	m.StartCalibration()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.transitions)
	assert.Equal(t, 1, rec.rejections)
}
