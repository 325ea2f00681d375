package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/normanking/avatarecho/internal/audio"
	"github.com/normanking/avatarecho/internal/bus"
	"github.com/normanking/avatarecho/internal/config"
	"github.com/normanking/avatarecho/internal/heygen"
	"github.com/normanking/avatarecho/internal/logging"
	"github.com/normanking/avatarecho/internal/pipeline"
	"github.com/normanking/avatarecho/internal/server"
	"github.com/normanking/avatarecho/internal/stt"
)

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Missing credentials halt before any remote call.
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	log := logger.Component("main")

	eventBus := bus.NewEventBus()

	client := heygen.NewClient(&heygen.ClientConfig{
		APIKey:            cfg.HeyGen.APIKey,
		BaseURL:           cfg.HeyGen.BaseURL,
		Timeout:           cfg.HeyGen.Timeout,
		SettleDelay:       cfg.HeyGen.SettleDelay,
		PreferLegacySpeak: cfg.HeyGen.PreferLegacySpeak,
		DefaultICEServer:  cfg.HeyGen.DefaultICEServer,
	}, eventBus, logger.Zerolog())

	buffer := audio.NewBuffer(&audio.BufferConfig{
		TargetSampleRate: cfg.Audio.TargetSampleRate,
		MaxBufferSeconds: cfg.Audio.MaxBufferSeconds,
	}, logger.Zerolog())

	provider := buildProvider(cfg, logger)
	log.Info().Str("provider", provider.Name()).Msg("STT provider selected")

	pipe := pipeline.New(&pipeline.Config{
		DrainInterval:      cfg.Pipeline.DrainInterval,
		StopTimeout:        cfg.Pipeline.StopTimeout,
		EchoSuppressWindow: cfg.Pipeline.EchoSuppressWindow,
	}, buffer, provider, client, eventBus, logger.Zerolog())

	monitor := heygen.NewRealtimeMonitor(eventBus, logger.Zerolog())

	srv := server.New(client, pipe, monitor, eventBus, cfg.HeyGen.AvatarID, cfg.HeyGen.VoiceID, logger.Zerolog())

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	srv.RegisterRoutes(engine)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	config.Watch(func(fresh *config.Config) {
		log.Info().Msg("Configuration reloaded")
	})

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Teardown order: drain loop first, then the remote session, so no
	// command is dispatched to an already-stopped session.
	if err := pipe.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Pipeline stop failed")
	}
	monitor.Close()
	if session := client.Current(); session != nil {
		client.StopSession(shutdownCtx, session)
	}

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown failed")
	}
}

// buildProvider picks the STT backend, falling back to the deterministic
// duration reporter when nothing is configured.
func buildProvider(cfg *config.Config, logger *logging.Logger) stt.Provider {
	switch cfg.STT.Provider {
	case "openai":
		if cfg.STT.OpenAIAPIKey != "" || os.Getenv("OPENAI_API_KEY") != "" {
			return stt.NewOpenAIProvider(&stt.OpenAIConfig{
				APIKey:   cfg.STT.OpenAIAPIKey,
				Model:    cfg.STT.OpenAIModel,
				Language: cfg.STT.Language,
				Timeout:  30 * time.Second,
			}, logger.Zerolog())
		}
	case "deepgram":
		if cfg.STT.DeepgramAPIKey != "" || os.Getenv("DEEPGRAM_API_KEY") != "" {
			dcfg := stt.DefaultDeepgramConfig()
			dcfg.APIKey = cfg.STT.DeepgramAPIKey
			dcfg.Language = cfg.STT.Language
			return stt.NewDeepgramProvider(dcfg, logger.Zerolog())
		}
	}
	return stt.NewFallbackProvider(logger.Zerolog())
}
