package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gazer/internal/analysis"
	"gazer/internal/config"
	"gazer/internal/embedding"
	"gazer/internal/gallery"
	"gazer/internal/httpclient"
	"gazer/internal/logging"
	"gazer/internal/marketplace"
	"gazer/internal/marketplace/mercari"
	"gazer/internal/metrics"
	"gazer/internal/pipeline"
	"gazer/internal/scheduler"
	"gazer/internal/server"
	"gazer/internal/store"
)

func main() {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting gazer server...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger.Info("listening on %s, llm vendor %s, model %s", cfg.HostAddr, cfg.LLM.Vendor, cfg.LLM.Model)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Server stopped")
}

func run(cfg config.Config, logger logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	galleryStore := store.New(pool)
	if err := galleryStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	m := metrics.New()

	adapters := marketplace.NewRegistry()
	adapters.Register(gallery.Mercari, mercari.New(mercari.Config{
		HTTPClient: httpclient.New(cfg.HTTPTimeout),
		Logger:     logging.NewComponentLogger("Mercari"),
	}))

	analyzer := analysis.New(
		newChatClient(cfg.LLM),
		mustImageFetcher(cfg),
		logging.NewComponentLogger("Analyzer"),
	)

	embedder := embedding.New(embedding.Config{
		Endpoint:   cfg.EmbedderEndpoint,
		HTTPClient: httpclient.New(cfg.LLMTimeout),
		Logger:     logging.NewComponentLogger("Embedder"),
	})

	pipe := pipeline.New(pipeline.Config{
		Adapters: adapters,
		Analyzer: analyzer,
		Embedder: embedder,
		Store:    galleryStore,
		Logger:   logging.NewComponentLogger("Pipeline"),
		Metrics:  m,
	})

	sched := scheduler.New(scheduler.Config{
		Runner:          pipe,
		Logger:          logging.NewComponentLogger("Scheduler"),
		Metrics:         m,
		ControlCapacity: cfg.ControlChannelCapacity,
	})
	pipe.SetUpdater(sched)
	sched.Start(ctx)

	states, err := galleryStore.ListAllSchedulerStates(ctx)
	if err != nil {
		return fmt.Errorf("load galleries: %w", err)
	}
	sched.InitGalleries(ctx, states)

	srv := server.New(server.Config{
		HostAddr:  cfg.HostAddr,
		JWTSecret: cfg.JWTSecret,
		Store:     galleryStore,
		Scheduler: sched,
		Metrics:   m,
		Logger:    logging.NewComponentLogger("Server"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		sched.Stop()
		return err
	case sig := <-quit:
		logger.Info("received %s, shutting down", sig)
	}

	// Drain HTTP first so no new galleries arrive while the scheduler winds
	// down, then stop the scheduler and let in-flight runs observe
	// cancellation.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown: %v", err)
	}
	cancel()
	sched.Stop()
	return nil
}

func newChatClient(llm config.LLMConfig) analysis.ChatClient {
	httpClient := httpclient.New(2 * time.Minute)
	switch llm.Vendor {
	case config.VendorOpenAI:
		return analysis.NewOpenAIClient(analysis.OpenAIConfig{
			Endpoint:   llm.Endpoint,
			APIKey:     llm.APIKey,
			Model:      llm.Model,
			HTTPClient: httpClient,
			Logger:     logging.NewComponentLogger("OpenAI"),
		})
	default:
		return analysis.NewAnthropicClient(analysis.AnthropicConfig{
			Endpoint:   llm.Endpoint,
			APIKey:     llm.APIKey,
			Model:      llm.Model,
			Version:    llm.Version,
			HTTPClient: httpClient,
			Logger:     logging.NewComponentLogger("Anthropic"),
		})
	}
}

func mustImageFetcher(cfg config.Config) *analysis.CachingFetcher {
	fetcher, err := analysis.NewCachingFetcher(httpclient.New(cfg.HTTPTimeout), logging.NewComponentLogger("Images"))
	if err != nil {
		log.Fatalf("Failed to build image fetcher: %v", err)
	}
	return fetcher
}
