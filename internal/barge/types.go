package barge

import (
	"time"
)

// Config holds the barge-in thresholds.
type Config struct {
	// EnergyThreshold is the normalized RMS (0..1) a frame must reach to
	// count as voice.
	EnergyThreshold float64
	// Grace is how long voice must be sustained before playback is cut.
	// Shorter bursts are treated as noise.
	Grace time.Duration
	// SmoothFrames is the majority-vote window applied to per-frame decisions.
	SmoothFrames int
}

// DefaultConfig suits a close-talking microphone.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.02,
		Grace:           200 * time.Millisecond,
		SmoothFrames:    3,
	}
}

// Trigger describes a detected barge-in.
type Trigger struct {
	At         time.Time
	Energy     float64
	Confidence float64
	Sustained  time.Duration
}

// Events allows the host to react to barge-in.
type Events struct {
	// OnTrigger fires once per playback when sustained voice crosses the grace
	// period. It runs on the goroutine that called Feed.
	OnTrigger func(Trigger)
}
