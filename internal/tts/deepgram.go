package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/playback"
)

const (
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramDeadline   = 12 * time.Second
	deepgramPoll       = 50 * time.Millisecond
)

// ErrNoAudio is returned when the service accepted the text but sent nothing.
var ErrNoAudio = errors.New("tts: no audio received")

// Deepgram speaks through the Deepgram websocket speak API.
type Deepgram struct {
	apiKey string
	opts   clientinterfaces.WSSpeakOptions
	log    zerolog.Logger
}

func NewDeepgram(apiKey, model string, logger zerolog.Logger) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &Deepgram{
		apiKey: apiKey,
		opts:   clientinterfaces.WSSpeakOptions{Model: model, Encoding: "linear16", SampleRate: 48000},
		log:    logger.With().Str("component", "tts.deepgram").Logger(),
	}
}

// Synthesize collects the whole utterance. The utterance is complete once
// audio has stopped arriving for a short idle window.
func (d *Deepgram) Synthesize(ctx context.Context, text string) (playback.Clip, error) {
	if text == "" {
		return playback.Clip{}, ErrEmptyText
	}
	if d.apiKey == "" {
		return playback.Clip{}, errors.New("deepgram: API key missing")
	}

	col := newCollector()
	opts := d.opts
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, &opts, &deepgramSink{col: col})
	if err != nil {
		return playback.Clip{}, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if !dg.Connect() {
		return playback.Clip{}, errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return playback.Clip{}, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.log.Warn().Err(err).Msg("deepgram flush failed")
	}

	if err := awaitSettled(ctx, col, deepgramIdleWindow, deepgramDeadline, deepgramPoll); err != nil {
		return playback.Clip{}, err
	}
	return col.clip(d.opts.SampleRate)
}

// awaitSettled polls until audio has gone quiet, the deadline passes, or ctx
// ends. Reaching the deadline with no audio at all is ErrNoAudio.
func awaitSettled(ctx context.Context, col *pcmCollector, idle, deadline, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			if col.empty() {
				return fmt.Errorf("%w within %s", ErrNoAudio, deadline)
			}
			return nil
		case <-ticker.C:
			if col.settled(idle) {
				return nil
			}
		}
	}
}

// deepgramSink receives speak websocket events. Binary frames carry the audio.
type deepgramSink struct{ col *pcmCollector }

func (s *deepgramSink) Binary(b []byte) error {
	_, err := s.col.Write(b)
	return err
}

func (s *deepgramSink) Error(e *msginterfaces.ErrorResponse) error {
	s.col.fail(fmt.Errorf("deepgram: %+v", *e))
	return nil
}

func (*deepgramSink) Open(*msginterfaces.OpenResponse) error         { return nil }
func (*deepgramSink) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (*deepgramSink) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (*deepgramSink) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (*deepgramSink) Close(*msginterfaces.CloseResponse) error       { return nil }
func (*deepgramSink) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (*deepgramSink) UnhandledEvent([]byte) error                    { return nil }
