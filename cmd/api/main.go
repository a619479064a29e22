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

	api "recipe-ingestion/internal/api"
	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/objectstore"
	"recipe-ingestion/internal/queue"
	"recipe-ingestion/internal/ratelimit"
	"recipe-ingestion/internal/store"
	"recipe-ingestion/internal/telemetry"
	"recipe-ingestion/internal/web"
)

func main() {
	cfg := config.Load()
	log, err := telemetry.NewLogger(cfg.Env, cfg.ServiceName+"-api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingOptions{
		Service:     cfg.ServiceName + "-api",
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

	client := queue.NewClient(cfg)
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	images, err := objectstore.New(ctx, cfg)
	if err != nil {
		log.Fatal("init object store", zap.Error(err))
	}
	var sink api.RecordSink
	if cfg.RecordSinkURL != "" {
		sink = api.NewHTTPSink(cfg.RecordSinkURL, cfg.RecordSinkTimeout)
	}

	server := api.New(cfg, api.Deps{
		Store:     st,
		Queue:     q,
		Limiter:   limiter,
		Preflight: web.NewClient(cfg, log.Named("preflight")),
		Images:    images,
		Sink:      sink,
		Log:       log.Named("api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
