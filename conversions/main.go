package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/fileworks-labs/fileworks-go/internal/config"
	"github.com/fileworks-labs/fileworks-go/internal/platform/env"
	"github.com/fileworks-labs/fileworks-go/internal/platform/httpserver"
	"github.com/fileworks-labs/fileworks-go/internal/platform/metrics"
	"github.com/fileworks-labs/fileworks-go/internal/platform/objectstore"
	"github.com/fileworks-labs/fileworks-go/internal/platform/postgres"
	repopg "github.com/fileworks-labs/fileworks-go/internal/repo/postgres"
	"github.com/fileworks-labs/fileworks-go/internal/service/executions"
	"github.com/fileworks-labs/fileworks-go/internal/service/status"
	blobstore "github.com/fileworks-labs/fileworks-go/internal/storage/objectstore"
	"github.com/fileworks-labs/fileworks-go/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("FILEWORKS_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("FILEWORKS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadMaxMiB, err := env.Int("FILEWORKS_UPLOAD_MAX_MIB", 512)
	if err != nil {
		logger.Error("invalid upload limit", "error", err)
		os.Exit(2)
	}

	registry, err := config.LoadRegistry(env.String("FILEWORKS_TOOLS_CONFIG", "tools.yaml"))
	if err != nil {
		logger.Error("invalid tool registry", "error", err)
		os.Exit(2)
	}
	logger.Info("tool registry loaded", "tools", registry.Names())

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	buckets := toolBuckets(registry)
	startupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg.Region, buckets); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	store, err := blobstore.NewMinioStore(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	executionStore := repopg.NewExecutionStore(db)
	batchStore := repopg.NewBatchStore(db)
	invoker := worker.NewClient(logger, store)

	execService, err := executions.New(logger, executionStore, batchStore, store, invoker, registry, m)
	if err != nil {
		logger.Error("executions service init failed", "error", err)
		os.Exit(2)
	}
	defer execService.Close()

	statusService, err := status.New(logger, executionStore, batchStore, store, store)
	if err != nil {
		logger.Error("status service init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("conversions"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"conversions",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, buckets)
				},
			},
		),
	)
	mux.Handle("GET /metrics", metrics.Handler(promRegistry))

	api := newConversionsAPI(logger, execService, statusService, int64(uploadMaxMiB)<<20)
	api.register(mux)

	cfg := httpserver.Config{
		Service:         "conversions",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "conversions", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// toolBuckets lists the upload/processed bucket pair of every registered tool.
func toolBuckets(registry *config.Registry) []string {
	names := registry.Names()
	buckets := make([]string, 0, len(names)*2)
	for _, name := range names {
		buckets = append(buckets, blobstore.UploadBucket(name), blobstore.ProcessedBucket(name))
	}
	return buckets
}
