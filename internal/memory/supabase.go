package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/voice-core/internal/ambient"
)

// SupabaseConfig selects the project and the tables rows are written to.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	ChunksTable    string
	SummariesTable string
}

// SupabaseStore writes chunks and summaries as table rows.
type SupabaseStore struct {
	client         *supabase.Client
	chunksTable    string
	summariesTable string
}

func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create Supabase client: %w", err)
	}
	return &SupabaseStore{
		client:         client,
		chunksTable:    cfg.ChunksTable,
		summariesTable: cfg.SummariesTable,
	}, nil
}

func (s *SupabaseStore) IngestRaw(ctx context.Context, chunks []ambient.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From(s.chunksTable).Insert(toPayload(chunks), false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("insert into %s: %w", s.chunksTable, err)
	}
	return nil
}

func (s *SupabaseStore) SubmitSummary(ctx context.Context, sum ambient.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From(s.summariesTable).Insert(summaryPayload(sum), false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("insert into %s: %w", s.summariesTable, err)
	}
	return nil
}

// Fanout writes to every store and joins their errors. A summary counts as
// submitted only when every store accepted it.
type Fanout []ambient.Store

func (f Fanout) IngestRaw(ctx context.Context, chunks []ambient.Chunk) error {
	var errs []error
	for _, s := range f {
		if err := s.IngestRaw(ctx, chunks); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) SubmitSummary(ctx context.Context, sum ambient.Summary) error {
	var errs []error
	for _, s := range f {
		if err := s.SubmitSummary(ctx, sum); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
