package ambient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/schedule"
)

// Summary condenses one window of the buffer.
type Summary struct {
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	Highlights  []Chunk   `json:"highlights"`
	RawRef      string    `json:"rawRef"`
	ChunkCount  int       `json:"chunkCount"`
}

// WindowSec returns the window length in whole seconds.
func (s Summary) WindowSec() int { return int(s.WindowEnd.Sub(s.WindowStart) / time.Second) }

const (
	SummaryCreated = "summary_created"
	SummaryFailed  = "summary_failed"
)

// SummaryEvent reports the outcome of a submitted summary.
type SummaryEvent struct {
	Kind    string  `json:"kind"`
	Summary Summary `json:"summary"`
	Err     string  `json:"error,omitempty"`
}

const submitTimeout = 15 * time.Second

// Summarizer periodically submits highlight summaries of a Buffer.
type Summarizer struct {
	buf   *Buffer
	store Store
	log   zerolog.Logger

	mu          sync.Mutex
	windowStart time.Time
	task        *schedule.Task
	running     sync.Mutex

	events chan SummaryEvent
}

func NewSummarizer(buf *Buffer, store Store, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		buf:    buf,
		store:  store,
		log:    logger.With().Str("component", "summarizer").Logger(),
		events: make(chan SummaryEvent, 8),
	}
}

// Events delivers summary_created and summary_failed outcomes.
func (s *Summarizer) Events() <-chan SummaryEvent { return s.events }

// WindowStart returns where the next window begins: the end of the last
// successfully submitted window, the start of a failed first window, or the
// zero time before any submission was attempted.
func (s *Summarizer) WindowStart() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowStart
}

// span is the default window length: the interval, but never under a minute.
func (s *Summarizer) span() time.Duration {
	span := s.buf.cfg.SummaryInterval
	if span < time.Minute {
		span = time.Minute
	}
	return span
}

// Start runs Cycle every SummaryInterval until Stop or ctx is done.
func (s *Summarizer) Start(ctx context.Context) {
	interval := s.buf.cfg.SummaryInterval
	if interval <= 0 {
		interval = DefaultConfig().SummaryInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		return
	}
	s.task = schedule.Every(interval, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Cycle(ctx); err != nil {
			s.log.Warn().Err(err).Msg("summary cycle failed")
		}
	})
	s.log.Info().Dur("interval", interval).Msg("summarizer started")
}

// Stop cancels the periodic cycle. Safe to call more than once.
func (s *Summarizer) Stop() {
	s.mu.Lock()
	task := s.task
	s.task = nil
	s.mu.Unlock()
	if task.Cancel() {
		<-task.Done()
	}
}

// Cycle summarizes the current window. It returns the submitted summary, or
// nil when there was nothing worth submitting. The window start advances
// only after a successful submission.
func (s *Summarizer) Cycle(ctx context.Context) (*Summary, error) {
	s.running.Lock()
	defer s.running.Unlock()

	now := s.buf.now()
	start := s.WindowStart()
	if start.IsZero() {
		start = now.Add(-s.span())
	}
	if oldest := now.Add(-s.buf.cfg.MaxBufferAge); start.Before(oldest) {
		start = oldest
	}

	chunks := s.buf.Between(start, now)
	if len(chunks) == 0 {
		s.log.Debug().Time("from", start).Msg("no chunks in window, skipping summary")
		return nil, nil
	}
	highlights := filterHighlights(chunks, s.buf.cfg.MinHighlightScore)
	if len(highlights) == 0 {
		s.log.Debug().Int("chunks", len(chunks)).Msg("no highlights in window, skipping summary")
		return nil, nil
	}
	if limit := s.buf.cfg.MaxChunksPerSummary; limit > 0 && len(highlights) > limit {
		highlights = highlights[len(highlights)-limit:]
	}

	sum := Summary{
		WindowStart: start,
		WindowEnd:   now,
		Highlights:  highlights,
		RawRef:      "ambient:" + uuid.NewString(),
		ChunkCount:  len(chunks),
	}

	var err error
	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, submitTimeout)
		err = s.store.SubmitSummary(sctx, sum)
		cancel()
	}
	if err != nil {
		s.mu.Lock()
		if s.windowStart.IsZero() {
			s.windowStart = start
		}
		s.mu.Unlock()
		s.buf.rec.ObserveSummary("failed")
		s.publish(SummaryEvent{Kind: SummaryFailed, Summary: sum, Err: err.Error()})
		return nil, err
	}

	s.mu.Lock()
	s.windowStart = sum.WindowEnd
	s.mu.Unlock()
	s.buf.rec.ObserveSummary("created")
	s.log.Info().Int("highlights", len(highlights)).Int("chunks", len(chunks)).Str("rawRef", sum.RawRef).Msg("ambient summary submitted")
	s.publish(SummaryEvent{Kind: SummaryCreated, Summary: sum})
	return &sum, nil
}

func (s *Summarizer) publish(ev SummaryEvent) {
	select {
	case s.events <- ev:
	default:
		s.log.Debug().Str("kind", ev.Kind).Msg("summary event dropped, channel full")
	}
}
