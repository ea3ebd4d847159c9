// Package schedule provides cancelable delayed and periodic tasks. Every
// timer in the module goes through a Task so that its owner can cancel it on
// teardown.
package schedule

import (
	"sync"
	"time"
)

// Task is a handle to a scheduled function.
type Task struct {
	mu       sync.Mutex
	timer    *time.Timer
	stop     chan struct{}
	done     chan struct{}
	canceled bool
}

// After runs fn once after d unless the task is canceled first.
func After(d time.Duration, fn func()) *Task {
	t := &Task{done: make(chan struct{})}
	t.mu.Lock()
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.canceled {
			t.mu.Unlock()
			return
		}
		t.canceled = true
		t.mu.Unlock()
		defer close(t.done)
		fn()
	})
	t.mu.Unlock()
	return t
}

// Every runs fn every interval until canceled. Runs never overlap: a slow fn
// delays the next tick rather than stacking.
func Every(interval time.Duration, fn func()) *Task {
	t := &Task{stop: make(chan struct{}), done: make(chan struct{})}
	ticker := time.NewTicker(interval)
	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				select {
				case <-t.stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

// Cancel stops the task. It is safe to call more than once and on a nil
// task. It reports whether this call prevented a pending run.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return false
	}
	t.canceled = true
	if t.timer != nil {
		t.timer.Stop()
		close(t.done)
		return true
	}
	close(t.stop)
	return true
}

// Done is closed once a one-shot task has fired or any task has been canceled
// and its goroutine has exited.
func (t *Task) Done() <-chan struct{} { return t.done }
