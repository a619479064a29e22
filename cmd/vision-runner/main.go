// Command vision-runner performs exactly one vision call and exits. The worker
// starts a fresh process per image when VISION_ISOLATION=subprocess so memory
// held by a call is returned to the OS as soon as the item is done.
//
// It reads an image.RunnerRequest from stdin and writes an image.RunnerResponse to stdout.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/extract/image"
	"recipe-ingestion/internal/llm"
	"recipe-ingestion/internal/telemetry"
)

func main() {
	cfg := config.Load()
	// stdout carries the response, so logs go to stderr only.
	log, err := telemetry.NewLogger("prod", cfg.ServiceName+"-vision-runner")
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stdin, os.Stdout, llm.NewClient(cfg, log), log))
}

func run(ctx context.Context, in io.Reader, out io.Writer, c llm.Completer, log *zap.Logger) int {
	enc := json.NewEncoder(out)
	var req image.RunnerRequest
	if err := json.NewDecoder(io.LimitReader(in, 1<<20)).Decode(&req); err != nil {
		_ = enc.Encode(image.RunnerResponse{Error: "bad request: " + err.Error()})
		return 2
	}
	text, err := c.Complete(ctx, llm.Request{
		Model:     req.Model,
		System:    req.System,
		User:      req.User,
		ImageURL:  req.ImageURL,
		MaxTokens: req.MaxTokens,
		JSON:      true,
	})
	if err != nil {
		log.Warn("vision call failed", zap.String("model", req.Model), zap.Error(err))
		_ = enc.Encode(image.RunnerResponse{Error: err.Error()})
		return 0
	}
	if err := enc.Encode(image.RunnerResponse{Output: text}); err != nil {
		return 1
	}
	return 0
}
