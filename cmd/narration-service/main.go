// main package for the narration-service
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

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
	"github.com/story-narrator/narration-service/internal/api"
	"github.com/story-narrator/narration-service/internal/assembler"
	"github.com/story-narrator/narration-service/internal/config"
	"github.com/story-narrator/narration-service/internal/inference"
	"github.com/story-narrator/narration-service/internal/objectstore"
	"github.com/story-narrator/narration-service/internal/orchestrator"
	"github.com/story-narrator/narration-service/internal/voicecache"
	"github.com/story-narrator/narration-service/internal/worker"
)

const httpShutdownTimeout = 10 * time.Second

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "narration-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// A temporary logger carries the bootstrap until the configured log
	// directory is known.
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	return runService(cfg, finalLog)
}

func runService(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.ObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to create object store: %w", err)
	}

	orch, cleanup, err := buildPipeline(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer cleanup()

	narrationWorker := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.NarrationRequestedSubject,
		store,
		orch,
		time.Duration(cfg.Orchestrator.TaskTimeoutMinutes)*time.Minute,
		log,
	)

	workerErr := make(chan error, 1)

	go func() {
		workerErr <- narrationWorker.Run(ctx)
	}()

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddress,
		Handler:           api.New(orch, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	httpErr := make(chan error, 1)

	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()

	log.System("Narration service initialized. Subject: %s, HTTP: %s",
		cfg.NATS.NarrationRequestedSubject, cfg.HTTP.ListenAddress)

	select {
	case <-ctx.Done():
	case serveErr := <-httpErr:
		return fmt.Errorf("http server failed: %w", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	shutdownErr := httpServer.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		log.Error("HTTP shutdown failed: %v", shutdownErr)
	}

	drainErr := <-workerErr
	if drainErr != nil {
		return fmt.Errorf("worker shutdown failed: %w", drainErr)
	}

	return nil
}

// buildPipeline wires the embedding cache, inference client, assembler, and
// orchestrator, and starts their background sweepers. The returned cleanup
// closes the persistent embedding store.
func buildPipeline(
	ctx context.Context,
	cfg *config.Config,
	store *objectstore.NatsObjectStore,
	log *logger.Logger,
) (*orchestrator.Orchestrator, func(), error) {
	var embeddingStore *voicecache.BadgerStore

	cleanup := func() {}

	if cfg.Cache.StoreDir != "" {
		opened, err := voicecache.OpenBadgerStore(voicecache.BadgerStoreOptions{
			Dir:      cfg.Cache.StoreDir,
			InMemory: false,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open embedding store: %w", err)
		}

		embeddingStore = opened
		cleanup = func() {
			closeErr := opened.Close()
			if closeErr != nil {
				log.Error("Failed to close embedding store: %v", closeErr)
			}
		}
	}

	cache := voicecache.New(voicecache.Options{
		Capacity: cfg.Cache.Capacity,
		MaxBytes: cfg.Cache.MaxBytes,
		TTL:      time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
		Store:    embeddingStore,
	}, log)

	if cfg.Cache.DefaultVoiceKey != "" {
		cache.SetDefault(cfg.Cache.DefaultVoiceKey)
	}

	go cache.RunSweeper(ctx, time.Minute)

	synthesizer := inference.New(cfg.Provider.BaseURL, cfg.Provider.APIKey, inference.Config{
		PollInterval:     time.Duration(cfg.Provider.PollIntervalSeconds * float64(time.Second)),
		SubmitTimeout:    time.Duration(cfg.Provider.SubmitTimeoutSeconds) * time.Second,
		ColdStartTimeout: time.Duration(cfg.Provider.ColdStartTimeoutSeconds) * time.Second,
		JobTimeout:       time.Duration(cfg.Provider.JobTimeoutSeconds) * time.Second,
		MaxAttempts:      cfg.Provider.MaxAttempts,
		BackoffBase:      time.Duration(cfg.Provider.BackoffBaseSeconds) * time.Second,
		BackoffMax:       time.Duration(cfg.Provider.BackoffMaxSeconds) * time.Second,
	}, log)

	audioAssembler := assembler.New(store, assembler.Options{
		ParagraphPause: time.Duration(cfg.Orchestrator.ParagraphPauseMilli) * time.Millisecond,
		WatermarkTag:   "",
	}, log)

	orch := orchestrator.New(cache, synthesizer, audioAssembler, store, orchestrator.Config{
		MaxParallelChunks: cfg.Orchestrator.MaxParallelChunks,
		MaxChunkChars:     cfg.Chunker.MaxChunkChars,
		TaskTimeout:       time.Duration(cfg.Orchestrator.TaskTimeoutMinutes) * time.Minute,
		Retention:         time.Duration(cfg.Orchestrator.RetentionMinutes) * time.Minute,
	}, log)

	go orch.RunSweeper(ctx)

	return orch, cleanup, nil
}

func main() {
	err := run()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
