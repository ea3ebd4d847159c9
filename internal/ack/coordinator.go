// Package ack masks backend latency: a short cached phrase plays the moment
// an intent is recognized, and the real answer crossfades in over its tail.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/playback"
	"github.com/chadiek/voice-core/internal/tts"
)

const (
	DefaultOverlap = 150 * time.Millisecond
	DefaultPhrase  = "Ett ögonblick."

	defaultKey = "_default"
)

// DefaultPhrases maps intents to parameter-free acknowledgments.
var DefaultPhrases = map[string]string{
	"calendar.lookup": "Jag kollar din kalender.",
	"calendar.create": "Jag lägger in det.",
	"email.read":      "Jag tittar i din inkorg.",
	"email.send":      "Jag skickar det.",
	"reminder.create": "Jag påminner dig.",
	"weather.lookup":  "Jag kollar vädret.",
	"memory.recall":   "Låt mig tänka efter.",
	"search.web":      "Jag söker.",
}

// DefaultWarmIntents are synthesized at startup.
var DefaultWarmIntents = []string{"calendar.lookup", "email.read", "reminder.create", "weather.lookup"}

// Player starts clips. *playback.Mixer satisfies it.
type Player interface {
	Play(clip playback.Clip, fadeIn time.Duration) *playback.Voice
}

// Recorder observes time from intent to audible acknowledgment.
type Recorder interface {
	ObserveAckLatency(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAckLatency(time.Duration) {}

// Crossfade reports how the result was joined to the acknowledgment. AckEnd
// is zero when no acknowledgment was playing.
type Crossfade struct {
	AckEnd      time.Time
	ResultStart time.Time
	Overlap     time.Duration
	// Done is closed when the result has finished playing or was canceled.
	Done <-chan struct{}
}

type Options struct {
	Synth    tts.Synthesizer
	Player   Player
	Overlap  time.Duration
	Phrases  map[string]string
	Logger   zerolog.Logger
	Recorder Recorder
}

// Coordinator owns the acknowledgment cache and the two voices of one turn.
type Coordinator struct {
	synth   tts.Synthesizer
	player  Player
	overlap time.Duration
	phrases map[string]string
	log     zerolog.Logger
	rec     Recorder

	cacheMu sync.RWMutex
	cache   map[string]playback.Clip

	mu     sync.Mutex
	ack    *playback.Voice
	result *playback.Voice
}

func New(opts Options) *Coordinator {
	if opts.Overlap <= 0 {
		opts.Overlap = DefaultOverlap
	}
	if opts.Phrases == nil {
		opts.Phrases = DefaultPhrases
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Coordinator{
		synth:   opts.Synth,
		player:  opts.Player,
		overlap: opts.Overlap,
		phrases: opts.Phrases,
		log:     opts.Logger.With().Str("component", "ack").Logger(),
		rec:     opts.Recorder,
		cache:   make(map[string]playback.Clip),
	}
}

// key collapses unknown intents onto the shared default phrase.
func (c *Coordinator) key(intent string) string {
	if _, ok := c.phrases[intent]; ok {
		return intent
	}
	return defaultKey
}

// Phrase returns the acknowledgment text for an intent.
func (c *Coordinator) Phrase(intent string) string {
	if p, ok := c.phrases[intent]; ok {
		return p
	}
	return DefaultPhrase
}

// Cached reports whether the intent's acknowledgment is already synthesized.
func (c *Coordinator) Cached(intent string) bool {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	_, ok := c.cache[c.key(intent)]
	return ok
}

// Warm synthesizes the given intents and the default phrase. Failures are
// returned joined; intents that succeeded stay cached.
func (c *Coordinator) Warm(ctx context.Context, intents []string) error {
	keys := map[string]struct{}{defaultKey: {}}
	for _, in := range intents {
		keys[c.key(in)] = struct{}{}
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if _, err := c.clip(ctx, k); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(k)
	}
	wg.Wait()
	err := errors.Join(errs...)
	if err != nil {
		c.log.Warn().Err(err).Msg("ack warm-up incomplete")
	} else {
		c.log.Info().Int("phrases", len(keys)).Msg("ack cache warmed")
	}
	return err
}

// clip returns the cached clip for key, synthesizing it on a miss. The first
// stored entry wins.
func (c *Coordinator) clip(ctx context.Context, key string) (playback.Clip, error) {
	c.cacheMu.RLock()
	clip, ok := c.cache[key]
	c.cacheMu.RUnlock()
	if ok {
		return clip, nil
	}

	text := DefaultPhrase
	if p, ok := c.phrases[key]; ok {
		text = p
	}
	clip, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("synthesize ack %q: %w", key, err)
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if existing, ok := c.cache[key]; ok {
		return existing, nil
	}
	c.cache[key] = clip
	return clip, nil
}

// StartAck begins the acknowledgment for intent and returns once it is
// playing. Any previous turn is cut. params do not affect the phrase.
func (c *Coordinator) StartAck(ctx context.Context, intent string, params map[string]any) error {
	began := time.Now()
	clip, err := c.clip(ctx, c.key(intent))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.stopLocked()
	c.ack = c.player.Play(clip, 0)
	c.mu.Unlock()

	latency := time.Since(began)
	c.rec.ObserveAckLatency(latency)
	c.log.Debug().Str("intent", intent).Int("params", len(params)).Dur("latency", latency).Msg("ack started")
	return nil
}

// AnnounceResult synthesizes text while the acknowledgment keeps playing,
// then fades the acknowledgment out over the overlap window and starts the
// result fading in, so the two overlap instead of leaving a gap.
func (c *Coordinator) AnnounceResult(ctx context.Context, text string) (Crossfade, error) {
	clip, err := c.synth.Synthesize(ctx, text)
	if err != nil {
		return Crossfade{}, fmt.Errorf("synthesize result: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Crossfade{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != nil {
		c.result.Stop()
	}

	var cf Crossfade
	ack := c.ack
	if ack != nil && ack.Playing() {
		cf.AckEnd = ack.FadeOut(c.overlap)
		c.result = c.player.Play(clip, c.overlap)
		cf.ResultStart = c.result.StartedAt()
		if cf.AckEnd.After(cf.ResultStart) {
			cf.Overlap = cf.AckEnd.Sub(cf.ResultStart)
		}
	} else {
		c.result = c.player.Play(clip, 0)
		cf.ResultStart = c.result.StartedAt()
	}
	cf.Done = c.result.Done()

	c.log.Debug().
		Dur("overlap", cf.Overlap).
		Bool("ack_playing", !cf.AckEnd.IsZero()).
		Msg("result started")
	return cf, nil
}

// Playing reports whether the acknowledgment or the result is audible.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return (c.ack != nil && c.ack.Playing()) || (c.result != nil && c.result.Playing())
}

// Cancel stops both voices. Safe to call at any time, any number of times.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Coordinator) stopLocked() {
	if c.ack != nil {
		c.ack.Stop()
		c.ack = nil
	}
	if c.result != nil {
		c.result.Stop()
		c.result = nil
	}
}
