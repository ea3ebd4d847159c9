// Package memory submits ambient chunks and summaries to the long-term
// memory service.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/voice-core/internal/ambient"
	"github.com/chadiek/voice-core/internal/importance"
)

// Client talks to the persistence HTTP API.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
	}
}

type chunkPayload struct {
	Text       string           `json:"text"`
	TS         int64            `json:"ts"`
	Conf       float64          `json:"conf"`
	Speaker    string           `json:"speaker,omitempty"`
	Source     string           `json:"source"`
	Importance importance.Score `json:"importance"`
}

type ingestRawRequest struct {
	Chunks []chunkPayload `json:"chunks"`
}

type summaryRequest struct {
	WindowSec   int            `json:"windowSec"`
	Highlights  []chunkPayload `json:"highlights"`
	RawRef      string         `json:"rawRef"`
	WindowStart string         `json:"windowStart"`
	WindowEnd   string         `json:"windowEnd"`
	ChunkCount  int            `json:"chunkCount"`
}

func toPayload(chunks []ambient.Chunk) []chunkPayload {
	out := make([]chunkPayload, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, chunkPayload{
			Text:       c.Text,
			TS:         c.Timestamp.UnixMilli(),
			Conf:       c.Confidence,
			Speaker:    c.Speaker,
			Source:     c.Source,
			Importance: c.Importance,
		})
	}
	return out
}

func summaryPayload(s ambient.Summary) summaryRequest {
	return summaryRequest{
		WindowSec:   s.WindowSec(),
		Highlights:  toPayload(s.Highlights),
		RawRef:      s.RawRef,
		WindowStart: s.WindowStart.UTC().Format(time.RFC3339Nano),
		WindowEnd:   s.WindowEnd.UTC().Format(time.RFC3339Nano),
		ChunkCount:  s.ChunkCount,
	}
}

// IngestRaw posts chunks to {base}/ingest-raw.
func (c *Client) IngestRaw(ctx context.Context, chunks []ambient.Chunk) error {
	return c.post(ctx, "/ingest-raw", ingestRawRequest{Chunks: toPayload(chunks)})
}

// SubmitSummary posts a summary to {base}/summary.
func (c *Client) SubmitSummary(ctx context.Context, s ambient.Summary) error {
	return c.post(ctx, "/summary", summaryPayload(s))
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("memory base url missing")
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("memory %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("memory %s: status=%d body=%s", path, resp.StatusCode, string(b))
	}
	return nil
}
