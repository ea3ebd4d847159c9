package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chadiek/voice-core/internal/audio"
)

const (
	DefaultCalibrationWindow = 2 * time.Second
	// noiseFloorFactor is how far above the measured room noise speech must be
	// to count as a barge-in.
	noiseFloorFactor = 3.0
)

// ErrCannotCalibrate is returned when the conversation is busy.
var ErrCannotCalibrate = errors.New("session: calibration only starts from listening or error")

// calibration averages frame energy over a fixed number of frames.
type calibration struct {
	want int
	n    int
	sum  float64
	done chan float64
}

// add folds one frame in and reports whether the measurement is complete.
// Caller holds c.mu.
func (cal *calibration) add(energy float64) bool {
	cal.sum += energy
	cal.n++
	if cal.n < cal.want {
		return false
	}
	cal.done <- cal.sum / float64(cal.n)
	return true
}

// Calibrate measures the ambient noise floor over window and raises the
// barge-in threshold above it, never below the configured threshold. The
// conversation is in calibrating for the duration. It returns the threshold
// now in effect.
func (c *Client) Calibrate(ctx context.Context, window time.Duration) (float64, error) {
	if window <= 0 {
		window = DefaultCalibrationWindow
	}
	want := int(window / audio.FrameDuration)
	if want < 1 {
		want = 1
	}

	c.mu.Lock()
	if c.calib != nil {
		c.mu.Unlock()
		return 0, ErrCannotCalibrate
	}
	if !c.machine.StartCalibration() {
		c.mu.Unlock()
		return 0, ErrCannotCalibrate
	}
	cal := &calibration{want: want, done: make(chan float64, 1)}
	c.calib = cal
	c.mu.Unlock()

	abort := func(err error) (float64, error) {
		c.mu.Lock()
		if c.calib == cal {
			c.calib = nil
		}
		c.mu.Unlock()
		c.machine.FinishCalibration()
		return 0, err
	}

	// Frames arrive at real time; allow for a slow start of capture.
	timeout := time.NewTimer(2*window + time.Second)
	defer timeout.Stop()
	var floor float64
	select {
	case floor = <-cal.done:
	case <-ctx.Done():
		return abort(ctx.Err())
	case <-timeout.C:
		return abort(fmt.Errorf("session: no audio during calibration (%d of %d frames)", c.calibratedFrames(cal), want))
	}

	threshold := c.baseThreshold
	if t := floor * noiseFloorFactor; t > threshold {
		threshold = t
	}
	c.detector.SetThreshold(threshold)
	finished := c.machine.FinishCalibration()
	c.log.Info().
		Float64("noise_floor", floor).
		Float64("threshold", threshold).
		Bool("transitioned", finished).
		Msg("barge-in calibrated")
	return threshold, nil
}

func (c *Client) calibratedFrames(cal *calibration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cal.n
}
