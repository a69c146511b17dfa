package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sattvalabs/vaani/internal/config"
	"github.com/sattvalabs/vaani/internal/history"
	"github.com/sattvalabs/vaani/internal/httpapi"
	"github.com/sattvalabs/vaani/internal/llm"
	"github.com/sattvalabs/vaani/internal/observability"
	"github.com/sattvalabs/vaani/internal/persona"
	"github.com/sattvalabs/vaani/internal/session"
	"github.com/sattvalabs/vaani/internal/voice"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Printf("[main] loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[main] history store: %v", err)
	}

	personas, err := persona.NewResolver(ctx, cfg.DatabaseURL, cfg.DefaultVoiceID, cfg.DefaultTTSModelID)
	if err != nil {
		log.Fatalf("[main] persona resolver: %v", err)
	}

	var recognizer voice.Recognizer
	if cfg.DeepgramAPIKey != "" {
		recognizer = voice.NewDeepgramRecognizer(voice.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			WSBaseURL: cfg.DeepgramWSBaseURL,
			Model:     cfg.DeepgramModel,
			Language:  cfg.DeepgramLanguage,
		})
	} else {
		log.Printf("[main] DEEPGRAM_API_KEY not set, speech recognition disabled")
	}

	var synthesizer voice.Synthesizer
	if cfg.ElevenLabsAPIKey != "" {
		synthesizer = voice.NewElevenLabsSynthesizer(voice.ElevenLabsConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			BaseURL:        cfg.ElevenLabsBaseURL,
			OutputFormat:   cfg.ElevenLabsOutputFormat,
			DefaultVoiceID: cfg.DefaultVoiceID,
			DefaultModelID: cfg.DefaultTTSModelID,
		})
	} else {
		log.Printf("[main] ELEVENLABS_API_KEY not set, speech synthesis disabled")
	}

	var brain llm.Client
	if cfg.OpenAIAPIKey != "" {
		brain, err = llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.OpenAIModel,
			MaxTokens:   cfg.OpenAIMaxTokens,
			Temperature: cfg.OpenAITemperature,
		})
		if err != nil {
			log.Fatalf("[main] completion client: %v", err)
		}
	} else {
		log.Printf("[main] OPENAI_API_KEY not set, completions disabled")
	}

	registry := session.NewRegistry(cfg.SessionInactivityTimeout)
	registry.SetExpireHook(func(s *session.Session) {
		log.Printf("[session] expired inactive session %s user=%s", s.ID, s.UserID)
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(registry.ActiveCount()))
	})
	registry.StartJanitor(ctx, 5*time.Second)

	defaults := persona.Profile{
		Name:            "default",
		DisplayName:     "Guide",
		VoiceID:         cfg.DefaultVoiceID,
		ModelID:         cfg.DefaultTTSModelID,
		Stability:       0.5,
		SimilarityBoost: 0.8,
		Speed:           1.0,
		SystemPrompt:    cfg.DefaultSystemPrompt,
	}

	orch := voice.NewOrchestrator(
		registry,
		personas,
		store,
		recognizer,
		synthesizer,
		brain,
		metrics,
		voice.AudioFormat{
			Encoding:   cfg.AudioEncoding,
			SampleRate: cfg.AudioSampleRate,
			Channels:   cfg.AudioChannels,
		},
		cfg.SilenceThreshold,
		cfg.HistoryLimit,
		defaults,
	)

	srv := httpapi.NewServer(cfg.BindAddr, cfg.AllowAnyOrigin, orch, registry, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		log.Printf("[main] shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Fatalf("[main] server: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("[main] close history store: %v", err)
	}
	log.Printf("[main] stopped")
}
