package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"recipe-ingestion/internal/llm"
)

// Isolation modes for vision calls.
const (
	IsolationInProcess  = "inprocess"
	IsolationSubprocess = "subprocess"
)

// ErrRunnerTimeout means a single vision call outlived its deadline.
var ErrRunnerTimeout = errors.New("vision call timed out")

// RunnerRequest is one vision call. It is also the stdin document of the
// vision-runner executable.
type RunnerRequest struct {
	Model     string `json:"model"`
	System    string `json:"system"`
	User      string `json:"user"`
	ImageURL  string `json:"image_url"`
	MaxTokens int    `json:"max_tokens"`
}

// RunnerResponse is the stdout document of the vision-runner executable.
type RunnerResponse struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Runner executes exactly one vision call inside a disposable unit.
type Runner interface {
	Run(ctx context.Context, req RunnerRequest, timeout time.Duration) (string, error)
}

// InProcessRunner runs each call on its own goroutine with a deadline and panic recovery.
type InProcessRunner struct {
	LLM llm.Completer
}

func (r InProcessRunner) Run(ctx context.Context, req RunnerRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("vision call panicked: %v", p)}
			}
		}()
		out, err := r.LLM.Complete(ctx, llm.Request{
			Model: req.Model, System: req.System, User: req.User,
			ImageURL: req.ImageURL, MaxTokens: req.MaxTokens, JSON: true,
		})
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, llm.ErrTimeout) {
			return "", ErrRunnerTimeout
		}
		return o.out, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrRunnerTimeout
		}
		return "", ctx.Err()
	}
}

// SubprocessRunner starts a fresh process per call and kills it when the deadline passes.
type SubprocessRunner struct {
	Path string
	Args []string
}

func (r SubprocessRunner) Run(ctx context.Context, req RunnerRequest, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, r.Path, r.Args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrRunnerTimeout
		}
		return "", fmt.Errorf("vision runner: %w: %s", err, tail(stderr.String(), 200))
	}
	var resp RunnerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("vision runner output: %w", err)
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Output, nil
}

// NewRunner picks the isolation mode. Unknown modes fall back to in-process.
func NewRunner(mode, path string, c llm.Completer) Runner {
	if mode == IsolationSubprocess {
		return SubprocessRunner{Path: path}
	}
	return InProcessRunner{LLM: c}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
