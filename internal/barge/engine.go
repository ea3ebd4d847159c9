// Package barge detects the user talking over assistant playback.
package barge

import (
	"sync"
	"time"

	"github.com/chadiek/voice-core/internal/audio"
)

// smoother is a majority vote over the last n frame decisions.
type smoother struct {
	n   int
	win []bool
}

func (s *smoother) push(b bool) bool {
	s.win = append(s.win, b)
	if len(s.win) > s.n {
		s.win = s.win[len(s.win)-s.n:]
	}
	yes := 0
	for _, x := range s.win {
		if x {
			yes++
		}
	}
	return yes*2 >= len(s.win)
}

func (s *smoother) reset() { s.win = s.win[:0] }

// Detector is an energy-threshold barge-in detector. It only listens while
// playback is active and fires at most once per playback.
type Detector struct {
	cfg Config
	ev  Events

	mu        sync.Mutex
	playing   bool
	fired     bool
	sustained time.Duration
	peak      float64
	vad       smoother
}

func NewDetector(cfg Config, ev Events) *Detector {
	def := DefaultConfig()
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.Grace < 0 {
		cfg.Grace = def.Grace
	}
	if cfg.SmoothFrames <= 0 {
		cfg.SmoothFrames = def.SmoothFrames
	}
	return &Detector{cfg: cfg, ev: ev, vad: smoother{n: cfg.SmoothFrames}}
}

// SetPlaying arms or disarms the detector. Any change clears accumulated
// state, so a new playback starts from scratch.
func (d *Detector) SetPlaying(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playing == on {
		return
	}
	d.playing = on
	d.resetLocked()
}

// Playing reports whether the detector is armed.
func (d *Detector) Playing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Threshold returns the energy a frame must reach to count as voice.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.EnergyThreshold
}

// SetThreshold replaces the energy threshold, e.g. after measuring the room's
// noise floor. Non-positive values are ignored.
func (d *Detector) SetThreshold(v float64) {
	if v <= 0 {
		return
	}
	d.mu.Lock()
	d.cfg.EnergyThreshold = v
	d.mu.Unlock()
}

// Reset clears accumulated state without changing the armed flag.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.resetLocked()
	d.mu.Unlock()
}

func (d *Detector) resetLocked() {
	d.fired = false
	d.sustained = 0
	d.peak = 0
	d.vad.reset()
}

// Feed runs one captured frame through the detector and reports whether it
// triggered a barge-in.
func (d *Detector) Feed(f audio.Frame) bool {
	energy := f.Energy()
	dur := audio.DurationOf(len(f.Samples), audio.SampleRate)

	d.mu.Lock()
	if !d.playing || d.fired {
		d.mu.Unlock()
		return false
	}
	if !d.vad.push(energy >= d.cfg.EnergyThreshold) {
		d.sustained = 0
		d.peak = 0
		d.mu.Unlock()
		return false
	}
	d.sustained += dur
	if energy > d.peak {
		d.peak = energy
	}
	if d.sustained < d.cfg.Grace {
		d.mu.Unlock()
		return false
	}
	d.fired = true
	tr := Trigger{
		At:         f.Timestamp,
		Energy:     d.peak,
		Confidence: confidence(d.peak, d.cfg.EnergyThreshold),
		Sustained:  d.sustained,
	}
	d.mu.Unlock()

	if tr.At.IsZero() {
		tr.At = time.Now()
	}
	if d.ev.OnTrigger != nil {
		d.ev.OnTrigger(tr)
	}
	return true
}

// confidence maps peak energy to 0..1, reaching 1 at twice the threshold.
func confidence(peak, threshold float64) float64 {
	c := peak / (2 * threshold)
	if c > 1 {
		return 1
	}
	return c
}
