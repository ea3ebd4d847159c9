// Package ambient keeps a rolling window of finalized speech and periodically
// condenses it into highlight summaries for long-term memory.
package ambient

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/importance"
)

// Config holds the ambient knobs.
type Config struct {
	SummaryInterval     time.Duration
	MinHighlightScore   int
	MaxChunksPerSummary int
	MaxBufferAge        time.Duration
}

// DefaultConfig returns the stock ambient settings.
func DefaultConfig() Config {
	return Config{
		SummaryInterval:     90 * time.Second,
		MinHighlightScore:   2,
		MaxChunksPerSummary: 100,
		MaxBufferAge:        15 * time.Minute,
	}
}

// Chunk is one finalized utterance.
type Chunk struct {
	Text       string           `json:"text"`
	Timestamp  time.Time        `json:"timestamp"`
	Speaker    string           `json:"speaker,omitempty"`
	Confidence float64          `json:"confidence"`
	Importance importance.Score `json:"importance"`
	Source     string           `json:"source"`
}

// PartialEvent is running ASR text. It is UI feedback only.
type PartialEvent struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Speaker   string    `json:"speaker,omitempty"`
}

// FinalEvent is a finalized transcription. Importance may be attached
// upstream; when nil the buffer scores the text itself.
type FinalEvent struct {
	Text       string
	Timestamp  time.Time
	Speaker    string
	Confidence float64
	Source     string
	Importance *importance.Score
}

// Store is the persistence collaborator.
type Store interface {
	IngestRaw(ctx context.Context, chunks []Chunk) error
	SubmitSummary(ctx context.Context, s Summary) error
}

// Recorder receives ambient counters.
type Recorder interface {
	ObserveChunk()
	ObserveSummary(result string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveChunk()         {}
func (nopRecorder) ObserveSummary(string) {}

const ingestTimeout = 10 * time.Second

// Buffer is the rolling chunk window.
type Buffer struct {
	cfg   Config
	store Store
	log   zerolog.Logger
	rec   Recorder
	now   func() time.Time

	mu     sync.RWMutex
	chunks []Chunk

	partials chan PartialEvent
	inflight sync.WaitGroup
}

// NewBuffer builds a buffer. store may be nil, in which case chunks are kept
// locally only.
func NewBuffer(cfg Config, store Store, logger zerolog.Logger, rec Recorder) *Buffer {
	if cfg.MaxBufferAge <= 0 {
		cfg.MaxBufferAge = DefaultConfig().MaxBufferAge
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Buffer{
		cfg:      cfg,
		store:    store,
		log:      logger.With().Str("component", "ambient").Logger(),
		rec:      rec,
		now:      time.Now,
		partials: make(chan PartialEvent, 16),
	}
}

// Config returns the buffer settings.
func (b *Buffer) Config() Config { return b.cfg }

// Partials delivers partial transcripts for live display.
func (b *Buffer) Partials() <-chan PartialEvent { return b.partials }

// AddPartial forwards a partial for display. Partials are never stored.
func (b *Buffer) AddPartial(ev PartialEvent) {
	select {
	case b.partials <- ev:
	default:
	}
}

// AddFinal stores a finalized utterance, prunes expired chunks and forwards
// the chunk to the store without waiting.
func (b *Buffer) AddFinal(ev FinalEvent) Chunk {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	var score importance.Score
	if ev.Importance != nil {
		score = *ev.Importance
	} else {
		score = importance.Evaluate(ev.Text)
	}
	source := ev.Source
	if source == "" {
		source = "mic"
	}
	c := Chunk{
		Text:       ev.Text,
		Timestamp:  ts,
		Speaker:    ev.Speaker,
		Confidence: ev.Confidence,
		Importance: score,
		Source:     source,
	}

	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.pruneLocked(b.now())
	b.mu.Unlock()

	b.rec.ObserveChunk()
	b.log.Debug().Int("score", score.Value).Interface("reasons", score.Reasons).Msg("ambient chunk added")
	b.ingest(c)
	return c
}

func (b *Buffer) ingest(c Chunk) {
	if b.store == nil {
		return
	}
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := b.store.IngestRaw(ctx, []Chunk{c}); err != nil {
			b.log.Warn().Err(err).Msg("raw chunk ingestion failed")
		}
	}()
}

// Prune drops every chunk older than the retention window.
func (b *Buffer) Prune() {
	b.mu.Lock()
	b.pruneLocked(b.now())
	b.mu.Unlock()
}

func (b *Buffer) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.MaxBufferAge)
	kept := b.chunks[:0]
	for _, c := range b.chunks {
		if !c.Timestamp.Before(cutoff) {
			kept = append(kept, c)
		}
	}
	// zero the tail so dropped text is not retained by the backing array
	for i := len(kept); i < len(b.chunks); i++ {
		b.chunks[i] = Chunk{}
	}
	b.chunks = kept
}

// RecentChunks returns the chunks from the last window, oldest first.
func (b *Buffer) RecentChunks(window time.Duration) []Chunk {
	return b.Between(b.now().Add(-window), b.now())
}

// Highlights returns the chunks from the last window whose score meets the
// configured minimum.
func (b *Buffer) Highlights(window time.Duration) []Chunk {
	return filterHighlights(b.RecentChunks(window), b.cfg.MinHighlightScore)
}

// Between returns the chunks with start <= timestamp <= end.
func (b *Buffer) Between(start, end time.Time) []Chunk {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Chunk
	for _, c := range b.chunks {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Len returns the number of buffered chunks.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chunks)
}

// Clear drops every buffered chunk.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.chunks = nil
	b.mu.Unlock()
	b.log.Info().Msg("ambient buffer cleared")
}

// Wait blocks until in-flight ingestion calls have returned.
func (b *Buffer) Wait() { b.inflight.Wait() }

func filterHighlights(chunks []Chunk, min int) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Importance.Value >= min {
			out = append(out, c)
		}
	}
	return out
}
