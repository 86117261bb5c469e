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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/avatar-gateway/internal/config"
	"github.com/lexiqai/avatar-gateway/internal/gateway"
	"github.com/lexiqai/avatar-gateway/internal/lipsync"
	"github.com/lexiqai/avatar-gateway/internal/llm"
	"github.com/lexiqai/avatar-gateway/internal/media"
	"github.com/lexiqai/avatar-gateway/internal/observability"
	"github.com/lexiqai/avatar-gateway/internal/registry"
	"github.com/lexiqai/avatar-gateway/internal/resilience"
	"github.com/lexiqai/avatar-gateway/internal/segment"
	"github.com/lexiqai/avatar-gateway/internal/speech"
	"github.com/lexiqai/avatar-gateway/internal/supervisor"
	"github.com/lexiqai/avatar-gateway/internal/switcher"
	"github.com/lexiqai/avatar-gateway/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Avatar gateway stopped with error")
	}
	logger.Info().Msg("Server exited gracefully")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	models, err := config.LoadModelTable(cfg.ModelsFile)
	if err != nil {
		return err
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("registry_backend", cfg.RegistryBackend).
		Str("media_backend", cfg.MediaBackend).
		Str("llm_provider", cfg.LLMProvider).
		Str("lipsync_url", cfg.LipsyncURL).
		Strs("models", models.Names()).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Avatar gateway starting")

	store, closeStore, err := newRegistryStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	mediaStore, err := newMediaStore(cfg)
	if err != nil {
		return err
	}

	avatars := registry.New(store, registry.WithModels(models.Names()))

	visual := lipsync.NewClient(cfg.LipsyncURL, lipsync.Options{
		Timeout:            time.Duration(cfg.LipsyncTimeout) * time.Second,
		BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
		BreakerReset:       time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
		},
	})

	procs := supervisor.New(models, &supervisor.ExecLauncher{}, supervisor.NewHTTPProber(cfg.TTSHost),
		supervisor.OptionsFromConfig(cfg))
	coordinator := switcher.New(avatars, procs, visual, cfg.DefaultRefFile)

	// Deleting an avatar releases what only it owned
	avatars.OnDelete(func(ctx context.Context, a registry.AvatarConfig) error {
		return mediaStore.Release(ctx, a.AvatarID)
	})
	avatars.OnDelete(func(ctx context.Context, a registry.AvatarConfig) error {
		return visual.DeleteAvatar(ctx, a.AvatarID)
	})
	avatars.OnDelete(coordinator.Forget)

	synth := tts.NewClient(cfg.TTSHost, time.Duration(cfg.TTSRequestTimeout)*time.Second)
	pipeline := speech.New(newSource(cfg), synth, coordinator, segment.Options{
		WordsPerChunk: cfg.SegmentWordsPerChunk,
		MinChars:      cfg.SegmentMinChars,
	})

	api := gateway.New(gateway.Deps{
		Avatars:  avatars,
		Switcher: coordinator,
		Models:   procs,
		Visual:   visual,
		Media:    mediaStore,
		Speaker:  pipeline,
		Checks: map[string]observability.HealthCheckFunc{
			"registry": avatars.Ping,
			"lipsync":  visual.Health,
		},
	}, gateway.Options{
		PreviewTTL:     time.Duration(cfg.PreviewCacheTTL) * time.Second,
		MetricsEnabled: cfg.MetricsEnabled,
	})
	defer api.Close()

	// Create HTTP server with timeouts. Avatar creation and switches wait on
	// slow backends, so the write timeout is generous.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := procs.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop synthesis backends: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func newRegistryStore(cfg *config.Config) (registry.Store, func(), error) {
	if cfg.RegistryBackend == "memory" {
		return registry.NewMemoryStore(), func() {}, nil
	}
	store, err := registry.NewRedisStore(registry.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Key:      cfg.RedisKey,
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func newMediaStore(cfg *config.Config) (media.Store, error) {
	if cfg.MediaBackend == "s3" {
		return media.NewS3Store(media.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
		})
	}
	return media.NewDiskStore(cfg.MediaDir)
}

func newSource(cfg *config.Config) llm.Source {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAISource(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIURL,
		})
	}
	return llm.NewHTTPSource(cfg.LLMURL)
}
