package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/chadiek/voice-core/internal/ack"
	"github.com/chadiek/voice-core/internal/ambient"
	"github.com/chadiek/voice-core/internal/barge"
	"github.com/chadiek/voice-core/internal/capture"
	"github.com/chadiek/voice-core/internal/config"
	"github.com/chadiek/voice-core/internal/convstate"
	"github.com/chadiek/voice-core/internal/httpserver"
	"github.com/chadiek/voice-core/internal/logging"
	"github.com/chadiek/voice-core/internal/memory"
	"github.com/chadiek/voice-core/internal/metrics"
	"github.com/chadiek/voice-core/internal/playback"
	"github.com/chadiek/voice-core/internal/retry"
	"github.com/chadiek/voice-core/internal/session"
	"github.com/chadiek/voice-core/internal/transport"
	"github.com/chadiek/voice-core/internal/tts"
)

func main() {
	cfg := config.Load()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})
	if !cfg.EnvLoaded {
		logger.Debug().Msg("no .env file, using process environment")
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	machine := convstate.New(convstate.Options{
		Timeouts: convstate.Timeouts{
			Speaking:    cfg.TimeoutSpeaking,
			Interrupted: cfg.TimeoutInterrupted,
			Processing:  cfg.TimeoutProcessing,
			Calibrating: cfg.TimeoutCalibrating,
		},
		HistoryLimit: cfg.StateHistoryLimit,
		Logger:       logger,
		Recorder:     m,
	})

	store := memoryStore(cfg, logger)
	buffer := ambient.NewBuffer(ambient.Config{
		SummaryInterval:     cfg.AmbientSummaryInterval,
		MinHighlightScore:   cfg.AmbientMinHighlightScore,
		MaxChunksPerSummary: cfg.AmbientMaxChunksPerSummary,
		MaxBufferAge:        cfg.AmbientMaxBufferAge,
	}, store, logger, m)
	summarizer := ambient.NewSummarizer(buffer, store, logger)

	out, closeOut := openOutput(cfg.AudioOutput, cfg.AudioOutputRate, logger)
	defer closeOut()
	mixer := playback.NewMixer(playback.Options{SampleRate: cfg.AudioOutputRate, Sink: out, Logger: logger})
	defer mixer.Close()

	coordinator := ack.New(ack.Options{
		Synth:    synthesizer(cfg, logger),
		Player:   mixer,
		Overlap:  cfg.AckCrossfade,
		Logger:   logger,
		Recorder: m,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := coordinator.Warm(warmCtx, ack.DefaultWarmIntents); err != nil {
			logger.Warn().Err(err).Msg("ack cache warm-up incomplete")
		}
	}()

	client := session.New(session.Options{
		Dialer: transport.NewDialer(transport.Options{
			URL:    cfg.VoiceWSURL,
			Token:  cfg.VoiceAuthToken,
			Logger: logger,
		}),
		Source:  inputSource(cfg.AudioInput),
		Machine: machine,
		Buffer:  buffer,
		Barge: barge.Config{
			EnergyThreshold: cfg.BargeEnergyThreshold,
			Grace:           cfg.BargeGrace,
		},
		Speaker:  coordinator,
		Retry:    retry.Policy{MaxAttempts: cfg.MaxReconnectAttempts, BaseDelay: cfg.ReconnectBaseDelay},
		Recorder: m,
		Logger:   logger,
	})

	srv := httpserver.New(httpserver.Deps{
		State:     machine,
		Ambient:   buffer,
		Control:   client,
		Gatherer:  reg,
		Requests:  m.HTTPRequests,
		AuthToken: cfg.VoiceAuthToken,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	summarizer.Start(ctx)
	go consume(ctx, client, machine, summarizer, logger)

	if err := client.Start(ctx); err != nil {
		logger.Error().Err(err).Str("url", cfg.VoiceWSURL).Msg("voice session failed to start")
	} else {
		go func() {
			if _, err := client.Calibrate(ctx, session.DefaultCalibrationWindow); err != nil {
				logger.Warn().Err(err).Msg("barge-in calibration skipped")
			}
		}()
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	stop()
	client.Stop()
	summarizer.Stop()
	machine.Cleanup()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
}

// memoryStore combines the configured persistence backends. It returns nil
// when none is configured so the buffer stays local.
func memoryStore(cfg config.Config, logger zerolog.Logger) ambient.Store {
	var stores memory.Fanout
	if cfg.MemoryBaseURL != "" {
		stores = append(stores, memory.NewClient(cfg.MemoryBaseURL, cfg.MemoryAPIKey))
	}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceRoleKey != "" {
		sb, err := memory.NewSupabaseStore(memory.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			ChunksTable:    cfg.SupabaseChunksTable,
			SummariesTable: cfg.SupabaseSummariesTable,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("supabase store disabled")
		} else {
			stores = append(stores, sb)
		}
	}
	switch len(stores) {
	case 0:
		return nil
	case 1:
		return stores[0]
	default:
		return stores
	}
}

func synthesizer(cfg config.Config, logger zerolog.Logger) tts.Synthesizer {
	if cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabs(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, logger)
	}
	return tts.NewDeepgram(cfg.DeepgramKey, cfg.DeepgramTTSModel, logger)
}

func inputSource(path string) capture.Source {
	if path == "" {
		return capture.NewDeviceSource()
	}
	return capture.NewReaderSource(path)
}

// openOutput opens the playback device, a pipe or a file. With "none", mixed
// audio is paced and dropped.
func openOutput(path string, rate int, logger zerolog.Logger) (playback.Sink, func()) {
	switch path {
	case "none":
		return playback.DiscardSink{}, func() {}
	case "":
		sp, err := playback.NewSpeaker(rate)
		if err != nil {
			logger.Warn().Err(err).Msg("speaker unavailable, discarding playback")
			return playback.DiscardSink{}, func() {}
		}
		return sp, func() { _ = sp.Close() }
	}
	var w io.WriteCloser
	if path == "-" {
		w = os.Stdout
	} else {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("audio output unavailable, discarding playback")
			return playback.DiscardSink{}, func() {}
		}
		w = f
	}
	return playback.WriterSink{W: w}, func() { _ = w.Close() }
}

// consume drains the session and machine event streams into the log.
func consume(ctx context.Context, c *session.Client, m *convstate.Machine, s *ambient.Summarizer, logger zerolog.Logger) {
	log := logger.With().Str("component", "events").Logger()
	transcripts, statuses, summaries := c.Transcripts(), c.Statuses(), c.Summaries()
	proactive, errs, conn := c.Proactive(), c.Errors(), c.Connection()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-transcripts:
			if !ok {
				return
			}
			if ev.Final {
				e := log.Info().Str("text", ev.Text).Float64("confidence", ev.Confidence)
				if ev.Importance != nil {
					e = e.Int("importance", ev.Importance.Value)
				}
				e.Msg("transcript")
			}
		case st, ok := <-statuses:
			if !ok {
				return
			}
			log.Debug().Interface("status", st).Msg("backend status")
		case sum, ok := <-summaries:
			if !ok {
				return
			}
			log.Info().Interface("summary", sum).Msg("backend ambient summary")
		case p, ok := <-proactive:
			if !ok {
				return
			}
			log.Info().Interface("trigger", p).Msg("proactive trigger")
		case e, ok := <-errs:
			if !ok {
				return
			}
			ev := log.Warn()
			if e.Terminal {
				ev = log.Error()
			}
			ev.Str("kind", string(e.Kind)).Str("state", string(e.State)).Msg(e.Message)
		case ce, ok := <-conn:
			if !ok {
				return
			}
			log.Info().Str("status", string(ce.Status)).Int("attempt", ce.Attempt).Msg("connection")
		case tr, ok := <-m.Transitions():
			if !ok {
				return
			}
			log.Info().Str("from", string(tr.From)).Str("to", string(tr.To)).Str("trigger", tr.Trigger).Msg("state transition")
		case to, ok := <-m.Timeouts():
			if !ok {
				return
			}
			log.Warn().Str("state", string(to.State)).Dur("budget", to.Budget).Msg("state timed out")
		case sev := <-s.Events():
			log.Debug().Interface("summary", sev).Msg("ambient summary cycle")
		}
	}
}
