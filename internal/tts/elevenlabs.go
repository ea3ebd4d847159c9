package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/playback"
)

const elevenLabsBaseURL = "https://api.elevenlabs.io"

// ElevenLabs speaks through the HTTP streaming endpoint.
type ElevenLabs struct {
	APIKey     string
	VoiceID    string
	BaseURL    string
	SampleRate int
	HTTPClient *http.Client

	log zerolog.Logger
}

func NewElevenLabs(apiKey, voiceID string, logger zerolog.Logger) *ElevenLabs {
	return &ElevenLabs{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		BaseURL:    elevenLabsBaseURL,
		SampleRate: 24000,
		HTTPClient: &http.Client{},
		log:        logger.With().Str("component", "tts.elevenlabs").Logger(),
	}
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (playback.Clip, error) {
	if text == "" {
		return playback.Clip{}, ErrEmptyText
	}
	if e.APIKey == "" || e.VoiceID == "" {
		return playback.Clip{}, fmt.Errorf("elevenlabs: api key or voice id missing")
	}

	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + e.VoiceID + "/stream"
	q := u.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", fmt.Sprintf("pcm_%d", e.SampleRate))
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return playback.Clip{}, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return playback.Clip{}, fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	col := newCollector()
	n, err := io.Copy(col, resp.Body)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("elevenlabs http read error: %w", err)
	}
	e.log.Debug().Int64("bytes", n).Msg("audio stream received")
	return col.clip(e.SampleRate)
}
