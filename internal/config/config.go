package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice session service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SilenceThreshold         time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	DeepgramAPIKey    string
	DeepgramWSBaseURL string
	DeepgramModel     string
	DeepgramLanguage  string

	AudioEncoding   string
	AudioSampleRate int
	AudioChannels   int

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsOutputFormat string
	DefaultVoiceID         string
	DefaultTTSModelID      string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAIMaxTokens   int
	OpenAITemperature float64

	DefaultSystemPrompt string

	DatabaseURL  string
	HistoryLimit int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "vaani"),
		AllowAnyOrigin:    false,
		DeepgramWSBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramModel:     envOrDefault("DEEPGRAM_MODEL", "nova-2"),
		DeepgramLanguage:  envOrDefault("DEEPGRAM_LANGUAGE", "en"),
		// The client captures mono 16kHz PCM; the recognizer session is opened
		// with the same fixed format.
		AudioEncoding:          envOrDefault("APP_AUDIO_ENCODING", "linear16"),
		AudioSampleRate:        16000,
		AudioChannels:          1,
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),
		DefaultVoiceID:         envOrDefault("DEFAULT_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		DefaultTTSModelID:      envOrDefault("DEFAULT_TTS_MODEL_ID", "eleven_multilingual_v2"),
		OpenAIBaseURL:          trimmedEnv("OPENAI_BASE_URL"),
		OpenAIModel:            envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxTokens:        300,
		OpenAITemperature:      0.4,
		DefaultSystemPrompt: envOrDefault("DEFAULT_SYSTEM_PROMPT",
			"You are a calm, compassionate spiritual guide. Answer briefly and warmly, in language suited to being spoken aloud."),
		DeepgramAPIKey:           trimmedEnv("DEEPGRAM_API_KEY"),
		ElevenLabsAPIKey:         trimmedEnv("ELEVENLABS_API_KEY"),
		OpenAIAPIKey:             trimmedEnv("OPENAI_API_KEY"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		HistoryLimit:             50,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		SilenceThreshold:         2 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceThreshold, err = durationFromEnv("APP_SILENCE_THRESHOLD", cfg.SilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("APP_AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioChannels, err = intFromEnv("APP_AUDIO_CHANNELS", cfg.AudioChannels)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAIMaxTokens, err = intFromEnv("OPENAI_MAX_TOKENS", cfg.OpenAIMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAITemperature, err = floatFromEnv("OPENAI_TEMPERATURE", cfg.OpenAITemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("APP_HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SilenceThreshold < 250*time.Millisecond {
		return Config{}, fmt.Errorf("APP_SILENCE_THRESHOLD must be at least 250ms")
	}
	if cfg.AudioSampleRate <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_SAMPLE_RATE must be positive")
	}
	if cfg.AudioChannels <= 0 {
		return Config{}, fmt.Errorf("APP_AUDIO_CHANNELS must be positive")
	}
	if cfg.OpenAIMaxTokens <= 0 {
		return Config{}, fmt.Errorf("OPENAI_MAX_TOKENS must be positive")
	}
	if cfg.OpenAITemperature < 0 || cfg.OpenAITemperature > 2 {
		return Config{}, fmt.Errorf("OPENAI_TEMPERATURE must be between 0 and 2")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("APP_HISTORY_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
