package schedule

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfter_Fires(t *testing.T) {
	var fired atomic.Int32
	task := After(5*time.Millisecond, func() { fired.Add(1) })
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, task.Cancel(), "cancel after firing is a no-op")
}

func TestAfter_CancelPreventsRun(t *testing.T) {
	var fired atomic.Int32
	task := After(20*time.Millisecond, func() { fired.Add(1) })
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())
	<-task.Done()
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, fired.Load())
}

func TestEvery_RunsUntilCanceled(t *testing.T) {
	var runs atomic.Int32
	task := Every(2*time.Millisecond, func() { runs.Add(1) })
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	task.Cancel()
	<-task.Done()
	after := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}

func TestCancel_NilTask(t *testing.T) {
	var task *Task
	assert.False(t, task.Cancel())
}
