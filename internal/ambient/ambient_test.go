package ambient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-core/internal/importance"
)

type fakeStore struct {
	mu        sync.Mutex
	ingested  []Chunk
	summaries []Summary
	failNext  error
	ingestErr error
}

func (f *fakeStore) IngestRaw(_ context.Context, chunks []Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ingestErr != nil {
		return f.ingestErr
	}
	f.ingested = append(f.ingested, chunks...)
	return nil
}

func (f *fakeStore) SubmitSummary(_ context.Context, s Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeStore) summaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBuffer(cfg Config, store Store) (*Buffer, *clock) {
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	b := NewBuffer(cfg, store, zerolog.Nop(), nil)
	b.now = clk.Now
	return b, clk
}

func score(v int) *importance.Score {
	return &importance.Score{Value: v, Reasons: []importance.Reason{importance.ReasonTimeReferences}}
}

func TestAddFinal_ScoresWhenNotAttached(t *testing.T) {
	store := &fakeStore{}
	b, _ := newTestBuffer(DefaultConfig(), store)

	c := b.AddFinal(FinalEvent{Text: "Kom ihåg att betala hyran imorgon", Confidence: 0.9})
	assert.Equal(t, importance.MaxScore, c.Importance.Value)
	assert.Equal(t, "mic", c.Source)

	pre := importance.Score{Value: 1, Reasons: []importance.Reason{importance.ReasonNamedEntities}}
	c = b.AddFinal(FinalEvent{Text: "whatever text here", Importance: &pre, Source: "upstream"})
	assert.Equal(t, pre, c.Importance)

	b.Wait()
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.ingested, 2)
	sources := []string{store.ingested[0].Source, store.ingested[1].Source}
	assert.ElementsMatch(t, []string{"mic", "upstream"}, sources)
}

func TestAddPartial_NeverStored(t *testing.T) {
	b, _ := newTestBuffer(DefaultConfig(), nil)
	b.AddPartial(PartialEvent{Text: "kom ih"})
	assert.Zero(t, b.Len())
	ev := <-b.Partials()
	assert.Equal(t, "kom ih", ev.Text)
}

func TestAddFinal_PrunesExpiredChunks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferAge = 15 * time.Minute
	b, clk := newTestBuffer(cfg, nil)

	b.AddFinal(FinalEvent{Text: "gammal anteckning", Timestamp: clk.Now().Add(-20 * time.Minute)})
	b.AddFinal(FinalEvent{Text: "ny anteckning om mötet"})

	recent := b.RecentChunks(60 * time.Minute)
	require.Len(t, recent, 1)
	assert.Equal(t, "ny anteckning om mötet", recent[0].Text)
}

func TestBuffer_NeverRetainsChunksPastMaxAge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxBufferAge = 2 * time.Minute
	b, clk := newTestBuffer(cfg, nil)
	for i := 0; i < 10; i++ {
		b.AddFinal(FinalEvent{Text: fmt.Sprintf("utterance number %d", i)})
		clk.Advance(30 * time.Second)
		for _, c := range b.RecentChunks(time.Hour) {
			assert.LessOrEqual(t, clk.Now().Sub(c.Timestamp)-30*time.Second, cfg.MaxBufferAge)
		}
	}
	b.Prune()
	now := clk.Now()
	for _, c := range b.RecentChunks(time.Hour) {
		assert.LessOrEqual(t, now.Sub(c.Timestamp), cfg.MaxBufferAge)
	}
}

func TestIngestFailureIsNotFatal(t *testing.T) {
	store := &fakeStore{ingestErr: errors.New("boom")}
	b, _ := newTestBuffer(DefaultConfig(), store)
	b.AddFinal(FinalEvent{Text: "this still gets buffered"})
	b.Wait()
	assert.Equal(t, 1, b.Len())
}

func TestHighlightsProjection(t *testing.T) {
	b, clk := newTestBuffer(DefaultConfig(), nil)
	b.AddFinal(FinalEvent{Text: "low importance line", Importance: score(1), Timestamp: clk.Now().Add(-3 * time.Minute)})
	b.AddFinal(FinalEvent{Text: "old highlight line", Importance: score(3), Timestamp: clk.Now().Add(-10 * time.Minute)})
	b.AddFinal(FinalEvent{Text: "new highlight line", Importance: score(2)})

	hl := b.Highlights(5 * time.Minute)
	require.Len(t, hl, 1)
	assert.Equal(t, "new highlight line", hl[0].Text)
	assert.Len(t, b.Highlights(15*time.Minute), 2)
	assert.Len(t, b.RecentChunks(5*time.Minute), 2)
}

func TestClear(t *testing.T) {
	b, _ := newTestBuffer(DefaultConfig(), nil)
	b.AddFinal(FinalEvent{Text: "something to forget"})
	b.Clear()
	assert.Zero(t, b.Len())
}

func TestCycle_NoChunksIsNoop(t *testing.T) {
	store := &fakeStore{}
	b, _ := newTestBuffer(DefaultConfig(), store)
	s := NewSummarizer(b, store, zerolog.Nop())

	sum, err := s.Cycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Zero(t, store.summaryCount())
	assert.True(t, s.WindowStart().IsZero())
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestCycle_NoHighlightsIsNoop(t *testing.T) {
	store := &fakeStore{}
	b, _ := newTestBuffer(DefaultConfig(), store)
	s := NewSummarizer(b, store, zerolog.Nop())
	b.AddFinal(FinalEvent{Text: "just chatting here", Importance: score(1)})

	sum, err := s.Cycle(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sum)
	assert.Zero(t, store.summaryCount())
	assert.True(t, s.WindowStart().IsZero())
}

func TestCycle_SuccessAdvancesWindow(t *testing.T) {
	store := &fakeStore{}
	b, clk := newTestBuffer(DefaultConfig(), store)
	s := NewSummarizer(b, store, zerolog.Nop())

	b.AddFinal(FinalEvent{Text: "background noise", Importance: score(0)})
	b.AddFinal(FinalEvent{Text: "pay the rent tomorrow", Importance: score(3)})

	sum, err := s.Cycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 2, sum.ChunkCount)
	require.Len(t, sum.Highlights, 1)
	assert.Equal(t, clk.Now(), sum.WindowEnd)
	assert.Equal(t, clk.Now().Add(-90*time.Second), sum.WindowStart)
	assert.Equal(t, 90, sum.WindowSec())
	assert.Contains(t, sum.RawRef, "ambient:")
	assert.Equal(t, sum.WindowEnd, s.WindowStart())

	ev := <-s.Events()
	assert.Equal(t, SummaryCreated, ev.Kind)

	clk.Advance(90 * time.Second)
	b.AddFinal(FinalEvent{Text: "meeting moved to friday", Importance: score(2)})
	next, err := s.Cycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, sum.WindowEnd, next.WindowStart)
}

func TestCycle_FailureKeepsWindow(t *testing.T) {
	store := &fakeStore{}
	b, clk := newTestBuffer(DefaultConfig(), store)
	s := NewSummarizer(b, store, zerolog.Nop())

	b.AddFinal(FinalEvent{Text: "first highlight", Importance: score(2)})
	_, err := s.Cycle(context.Background())
	require.NoError(t, err)
	<-s.Events()
	start := s.WindowStart()

	clk.Advance(time.Minute)
	b.AddFinal(FinalEvent{Text: "second highlight", Importance: score(3)})
	store.mu.Lock()
	store.failNext = errors.New("503")
	store.mu.Unlock()

	sum, err := s.Cycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.Equal(t, start, s.WindowStart())
	ev := <-s.Events()
	assert.Equal(t, SummaryFailed, ev.Kind)
	assert.Equal(t, "503", ev.Err)

	// The retry covers the same window.
	clk.Advance(time.Minute)
	sum, err = s.Cycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, start, sum.WindowStart)
	assert.Equal(t, "second highlight", sum.Highlights[len(sum.Highlights)-1].Text)
}

func TestCycle_FirstFailureKeepsWindow(t *testing.T) {
	store := &fakeStore{failNext: errors.New("503")}
	b, clk := newTestBuffer(DefaultConfig(), store)
	s := NewSummarizer(b, store, zerolog.Nop())
	require.True(t, s.WindowStart().IsZero())

	b.AddFinal(FinalEvent{Text: "pay the rent tomorrow", Importance: score(3)})
	clk.Advance(30 * time.Second)
	failedStart := clk.Now().Add(-90 * time.Second)

	sum, err := s.Cycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, sum)
	assert.Equal(t, failedStart, s.WindowStart())

	// Past the default span: the retry must still reach back to the failed window.
	clk.Advance(90 * time.Second)
	sum, err = s.Cycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, failedStart, sum.WindowStart)
	require.Len(t, sum.Highlights, 1)
	assert.Equal(t, "pay the rent tomorrow", sum.Highlights[0].Text)
	assert.Equal(t, sum.WindowEnd, s.WindowStart())
}

func TestCycle_ShortIntervalUsesOneMinuteWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummaryInterval = 10 * time.Second
	store := &fakeStore{}
	b, clk := newTestBuffer(cfg, store)
	s := NewSummarizer(b, store, zerolog.Nop())

	b.AddFinal(FinalEvent{Text: "fifty seconds ago", Importance: score(2), Timestamp: clk.Now().Add(-50 * time.Second)})
	sum, err := s.Cycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, clk.Now().Add(-time.Minute), sum.WindowStart)
}

func TestCycle_CapsHighlightsKeepingMostRecent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxChunksPerSummary = 3
	store := &fakeStore{}
	b, clk := newTestBuffer(cfg, store)
	s := NewSummarizer(b, store, zerolog.Nop())

	for i := 0; i < 5; i++ {
		b.AddFinal(FinalEvent{
			Text:       fmt.Sprintf("highlight %d", i),
			Importance: score(2),
			Timestamp:  clk.Now().Add(time.Duration(i-5) * time.Second),
		})
	}
	sum, err := s.Cycle(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Highlights, 3)
	assert.Equal(t, "highlight 2", sum.Highlights[0].Text)
	assert.Equal(t, "highlight 4", sum.Highlights[2].Text)
	assert.Equal(t, 5, sum.ChunkCount)
}

func TestSummarizer_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SummaryInterval = 5 * time.Millisecond
	store := &fakeStore{}
	b := NewBuffer(cfg, store, zerolog.Nop(), nil)
	s := NewSummarizer(b, store, zerolog.Nop())

	b.AddFinal(FinalEvent{Text: "remember this one", Importance: score(3)})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return store.summaryCount() >= 1 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()
}
