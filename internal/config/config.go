package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string
	LogLevel    string
	LogConsole  bool

	VoiceWSURL     string
	VoiceAuthToken string

	AmbientSummaryInterval     time.Duration
	AmbientMinHighlightScore   int
	AmbientMaxChunksPerSummary int
	AmbientMaxBufferAge        time.Duration

	TimeoutSpeaking    time.Duration
	TimeoutInterrupted time.Duration
	TimeoutProcessing  time.Duration
	TimeoutCalibrating time.Duration
	StateHistoryLimit  int

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration

	BargeEnergyThreshold float64
	BargeGrace           time.Duration
	AckCrossfade         time.Duration

	MemoryBaseURL string
	MemoryAPIKey  string

	SupabaseURL            string
	SupabaseServiceRoleKey string
	SupabaseChunksTable    string
	SupabaseSummariesTable string

	TTSProvider       string
	DeepgramKey       string
	DeepgramTTSModel  string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// AudioInput is a raw PCM16 path; empty captures from the default device.
	AudioInput string
	// AudioOutput is a raw PCM16 path, "-" for stdout or "none"; empty plays
	// through the default device.
	AudioOutput     string
	AudioOutputRate int

	// EnvLoaded reports whether a .env file was read.
	EnvLoaded bool
}

// Load reads environment variables and returns Config with sane defaults. A
// missing .env file is not an error.
func Load() Config {
	loaded := godotenv.Load() == nil

	return Config{
		HTTPAddress: getEnv("HTTP_ADDRESS", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogConsole:  getBool("LOG_CONSOLE", false),

		VoiceWSURL:     getEnv("VOICE_WS_URL", "ws://localhost:8000/ws/voice"),
		VoiceAuthToken: os.Getenv("VOICE_AUTH_TOKEN"),

		AmbientSummaryInterval:     getDurationMS("AMBIENT_SUMMARY_INTERVAL_MS", 90*time.Second),
		AmbientMinHighlightScore:   getInt("AMBIENT_MIN_HIGHLIGHT_SCORE", 2),
		AmbientMaxChunksPerSummary: getInt("AMBIENT_MAX_CHUNKS_PER_SUMMARY", 100),
		AmbientMaxBufferAge:        time.Duration(getInt("AMBIENT_MAX_BUFFER_MINUTES", 15)) * time.Minute,

		TimeoutSpeaking:    getDurationMS("STATE_TIMEOUT_SPEAKING_MS", 30*time.Second),
		TimeoutInterrupted: getDurationMS("STATE_TIMEOUT_INTERRUPTED_MS", 5*time.Second),
		TimeoutProcessing:  getDurationMS("STATE_TIMEOUT_PROCESSING_MS", 10*time.Second),
		TimeoutCalibrating: getDurationMS("STATE_TIMEOUT_CALIBRATING_MS", 5*time.Second),
		StateHistoryLimit:  getInt("STATE_HISTORY_LIMIT", 50),

		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 5),
		ReconnectBaseDelay:   getDurationMS("RECONNECT_BASE_DELAY_MS", time.Second),

		BargeEnergyThreshold: getFloat("BARGE_ENERGY_THRESHOLD", 0.02),
		BargeGrace:           getDurationMS("BARGE_GRACE_MS", 200*time.Millisecond),
		AckCrossfade:         getDurationMS("ACK_CROSSFADE_MS", 150*time.Millisecond),

		MemoryBaseURL: strings.TrimRight(os.Getenv("MEMORY_BASE_URL"), "/"),
		MemoryAPIKey:  os.Getenv("MEMORY_API_KEY"),

		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseChunksTable:    getEnv("SUPABASE_CHUNKS_TABLE", "ambient_chunks"),
		SupabaseSummariesTable: getEnv("SUPABASE_SUMMARIES_TABLE", "ambient_summaries"),

		TTSProvider:       strings.ToLower(getEnv("TTS_PROVIDER", "deepgram")),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramTTSModel:  getEnv("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		AudioInput:      os.Getenv("AUDIO_INPUT"),
		AudioOutput:     os.Getenv("AUDIO_OUTPUT"),
		AudioOutputRate: getInt("AUDIO_OUTPUT_RATE", 48000),

		EnvLoaded: loaded,
	}
}

// Warnings lists features disabled by missing settings. Startup continues
// regardless.
func (c Config) Warnings() []string {
	var out []string
	if c.VoiceAuthToken == "" {
		out = append(out, "VOICE_AUTH_TOKEN not set - control API is unauthenticated")
	}
	if c.MemoryBaseURL == "" && c.SupabaseURL == "" {
		out = append(out, "MEMORY_BASE_URL and SUPABASE_URL not set - ambient memory stays local")
	}
	if c.SupabaseURL != "" && c.SupabaseServiceRoleKey == "" {
		out = append(out, "SUPABASE_SERVICE_ROLE_KEY not set - Supabase persistence disabled")
	}
	switch c.TTSProvider {
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			out = append(out, "ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	default:
		if c.DeepgramKey == "" {
			out = append(out, "DEEPGRAM_API_KEY not set - TTS will not work")
		}
	}
	if c.AudioOutput == "none" {
		out = append(out, "AUDIO_OUTPUT is none - assistant playback is discarded")
	}
	return out
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return def
	}
	return v
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}

func getDurationMS(key string, def time.Duration) time.Duration {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || v < 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
