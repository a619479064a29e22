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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/extract/document"
	"recipe-ingestion/internal/extract/image"
	"recipe-ingestion/internal/extract/structure"
	"recipe-ingestion/internal/llm"
	"recipe-ingestion/internal/objectstore"
	"recipe-ingestion/internal/pipeline"
	"recipe-ingestion/internal/queue"
	"recipe-ingestion/internal/store"
	"recipe-ingestion/internal/sweeper"
	"recipe-ingestion/internal/telemetry"
	"recipe-ingestion/internal/web"
	workerproc "recipe-ingestion/internal/worker"
)

func main() {
	cfg := config.Load()
	log, err := telemetry.NewLogger(cfg.Env, cfg.ServiceName+"-worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingOptions{
		Service:     cfg.ServiceName + "-worker",
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.TraceEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Fatal("init tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("flush traces", zap.Error(err))
		}
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	q := queue.NewRedisQueue(queue.NewClient(cfg), cfg)
	images, err := objectstore.New(ctx, cfg)
	if err != nil {
		log.Fatal("init object store", zap.Error(err))
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	completer := llm.NewClient(cfg, log.Named("llm"))
	structurer := structure.New(completer, cfg.LLMTextModel, cfg.LLMTextTimeout, log.Named("structure"))
	docFallback := structurer
	if !cfg.LLMFallbackEnabled {
		docFallback = nil
	}
	var vision *image.Vision
	if cfg.VisionEnabled {
		runner := image.NewRunner(cfg.VisionIsolation, cfg.VisionRunnerPath, completer)
		vision = image.NewVision(runner, images, cfg.LLMVisionModel, cfg.VisionItemTimeout, log.Named("vision"))
	}
	ocr := image.NewQueueOCR(q, cfg.OCRQueue, cfg.RecipesQueue, cfg.ServiceName, cfg.OCRServiceName, log.Named("ocr"))

	p := pipeline.New(st,
		web.NewClient(cfg, log.Named("web")),
		document.NewCascade(docFallback, log.Named("document")),
		image.NewCascade(ocr, structurer, vision, st, image.OptionsFromConfig(cfg), log.Named("image")),
		log.Named("pipeline"))

	g, gctx := errgroup.WithContext(ctx)
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		id := fmt.Sprintf("%s-%d", workerID, i)
		proc := workerproc.NewProcessor(cfg, q, p, id, log)
		g.Go(func() error { return proc.Run(gctx) })
	}
	maint := workerproc.NewProcessor(cfg, q, p, workerID+"-maint", log)
	g.Go(func() error { return maint.RunMaintenance(gctx, 2*time.Second) })
	g.Go(func() error { return sweeper.New(st, cfg, log.Named("sweeper")).Run(gctx) })

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", concurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.String("vision_isolation", cfg.VisionIsolation))
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker stopped")
}
