package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/docuflow/document-extract-service/api"
	"github.com/docuflow/document-extract-service/internal/config"
	"github.com/docuflow/document-extract-service/internal/export"
	"github.com/docuflow/document-extract-service/internal/orchestrate"
	"github.com/docuflow/document-extract-service/internal/postprocess"
	"github.com/docuflow/document-extract-service/internal/preprocess"
	"github.com/docuflow/document-extract-service/internal/storage"
	"github.com/docuflow/document-extract-service/internal/store"
	"github.com/docuflow/document-extract-service/internal/vision"
)

func main() {
	log, err := buildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	companies := store.NewCompanyResolver(cfg.Companies, log)
	st := store.New(pool, cfg.Database, companies, log)

	if err := st.EnsureSearchIndexes(ctx, cfg.Search); err != nil {
		log.Fatal("search index setup failed", zap.Error(err))
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Warn("artifact store unavailable, originals will not be kept", zap.Error(err))
		objects = nil
	}

	prompts, err := vision.LoadPrompts(cfg.Vision.PromptDir)
	if err != nil {
		log.Fatal("prompt load failed", zap.Error(err))
	}

	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		log.Fatal("vision provider init failed", zap.Error(err))
	}
	client := vision.NewClient(provider, prompts, cfg.Vision, log)

	pre := preprocess.New(cfg.Preprocess, log)
	post := postprocess.New(log)

	var enqueuer *export.Enqueuer
	var worker *export.Worker
	if cfg.Export.RedisAddr != "" {
		enqueuer = export.NewEnqueuer(cfg.Export.RedisAddr, cfg.Export.Queue, log)
		defer enqueuer.Close()

		exporters := []export.Exporter{}
		if objects != nil {
			exporters = append(exporters, export.NewSnapshotExporter(st, objects))
		}
		worker = export.NewWorker(cfg.Export.RedisAddr, cfg.Export.Queue,
			cfg.Export.Concurrency, st, exporters, log)
		if err := worker.Start(); err != nil {
			log.Fatal("export worker start failed", zap.Error(err))
		}
		defer worker.Shutdown()
	} else {
		log.Warn("export queue disabled, approvals will not fan out")
	}

	var storeObjects orchestrate.ObjectStore
	if objects != nil {
		storeObjects = objects
	}
	var approver orchestrate.Approver
	if enqueuer != nil {
		approver = enqueuer
	}
	pipeline := orchestrate.New(pre, client, post, st, storeObjects, approver, log)

	go runMaintenance(ctx, st, cfg, log)

	handler := api.NewHandler(cfg, pipeline, st, objects, log)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info("starting document extract service",
		zap.String("addr", addr),
		zap.String("provider", cfg.Vision.Provider),
		zap.Bool("storage", objects != nil),
		zap.Bool("export_queue", enqueuer != nil))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_MODE") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildProvider(ctx context.Context, cfg *config.Config) (vision.Provider, error) {
	switch cfg.Vision.Provider {
	case "openai":
		return vision.NewOpenAIProvider(cfg.Vision.OpenAI.APIKey,
			cfg.Vision.OpenAI.BaseURL, cfg.Vision.OpenAI.Model)
	case "gemini", "":
		return vision.NewGeminiProvider(ctx, cfg.Vision.Gemini.APIKey, cfg.Vision.Gemini.Model)
	default:
		return nil, fmt.Errorf("unsupported vision provider: %s", cfg.Vision.Provider)
	}
}

// runMaintenance archives yearly document partitions past retention. Runs
// once at startup and then daily.
func runMaintenance(ctx context.Context, st *store.Store, cfg *config.Config, log *zap.Logger) {
	if cfg.Database.ArchiveOlderThan <= 0 {
		return
	}
	horizon := time.Duration(cfg.Database.ArchiveOlderThan) * 365 * 24 * time.Hour

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := st.ArchivePartitions(ctx, horizon); err != nil {
			log.Warn("partition archive failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
