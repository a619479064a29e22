package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"recipe-ingestion/internal/models"
)

// PreflightResult is the outcome of the cheap check done before a URL job is created.
type PreflightResult struct {
	OK           bool             `json:"ok"`
	StatusCode   int              `json:"status_code,omitempty"`
	ContentType  string           `json:"content_type,omitempty"`
	ErrorCode    models.ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	NextAction   string           `json:"next_action,omitempty"`
}

func reject(code models.ErrorCode, msg string) PreflightResult {
	return PreflightResult{ErrorCode: code, ErrorMessage: msg}
}

// Preflight issues one HEAD request, falling back to a short GET when the
// server does not support HEAD. It never parses the body and never retries.
func (c *Client) Preflight(ctx context.Context, raw string) PreflightResult {
	u, err := c.ParseURL(raw)
	if err != nil {
		return reject(models.ErrInvalidURL, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, c.preflightTimeout)
	defer cancel()

	resp, err := c.peek(ctx, http.MethodHead, u.String())
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp, err = c.peek(ctx, http.MethodGet, u.String())
	}
	if err != nil {
		c.log.Debug("preflight request failed", zap.String("url", u.Redacted()), zap.Error(err))
		switch {
		case errors.Is(err, errPrivateHost):
			return reject(models.ErrInvalidURL, "host is blocked")
		case isTimeout(err):
			return reject(models.ErrFetchTimeout, "timed out contacting the site")
		default:
			return reject(models.ErrFetchFailed, "could not reach the site")
		}
	}

	out := PreflightResult{StatusCode: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		out.ErrorCode = models.ErrFetchFailed
		out.ErrorMessage = fmt.Sprintf("site returned status %d", resp.StatusCode)
		return out
	case http.StatusUnauthorized, http.StatusForbidden:
		out.ErrorCode = models.ErrFetchFailed
		out.ErrorMessage = fmt.Sprintf("site returned status %d", resp.StatusCode)
		out.NextAction = models.NextActionClientWebview
		return out
	}
	if resp.StatusCode < 400 && !c.isHTML(out.ContentType) {
		out.ErrorCode = models.ErrUnsupportedContentType
		out.ErrorMessage = "unsupported content type: " + out.ContentType
		return out
	}
	out.OK = true
	return out
}

// peek sends one request and drops the body after at most a few KiB.
func (c *Client) peek(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, target)
	if err != nil {
		return nil, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-4095")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp, nil
}
