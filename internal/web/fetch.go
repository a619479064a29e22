package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/models"
)

// Page is a fetched document decoded to UTF-8.
type Page struct {
	URL         string
	HTML        string
	ContentType string
	StatusCode  int
	Truncated   bool
}

// Fetch downloads raw and returns its HTML. Errors are *extract.Failure.
// Bodies above the size cap are cut, not rejected.
func (c *Client) Fetch(ctx context.Context, raw string) (Page, error) {
	u, err := c.ParseURL(raw)
	if err != nil {
		return Page{}, &extract.Failure{Code: models.ErrInvalidURL, Message: err.Error(), Permanent: true}
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, u.String())
	if err != nil {
		return Page{}, extract.Wrap(models.ErrInvalidURL, err, "build request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, errPrivateHost):
			return Page{}, &extract.Failure{Code: models.ErrInvalidURL, Message: "host is blocked", Permanent: true, Err: err}
		case isTimeout(err):
			return Page{}, extract.Wrap(models.ErrFetchTimeout, err, "timed out fetching page")
		default:
			return Page{}, extract.Wrap(models.ErrFetchFailed, err, "fetch page")
		}
	}
	defer resp.Body.Close()

	page := Page{URL: resp.Request.URL.String(), ContentType: resp.Header.Get("Content-Type"), StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return page, &extract.Failure{
			Code:       models.ErrFetchFailed,
			Message:    fmt.Sprintf("site blocked the request with status %d", resp.StatusCode),
			NextAction: models.NextActionClientWebview,
			Permanent:  true,
		}
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return page, &extract.Failure{Code: models.ErrFetchFailed, Message: fmt.Sprintf("site returned status %d", resp.StatusCode), Permanent: true}
	case resp.StatusCode >= 400:
		return page, extract.Fail(models.ErrFetchFailed, "site returned status %d", resp.StatusCode)
	}
	if !c.isHTML(page.ContentType) {
		return page, &extract.Failure{Code: models.ErrUnsupportedContentType, Message: "unsupported content type: " + page.ContentType, Permanent: true}
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, c.maxBytes+1), page.ContentType)
	if err != nil {
		return page, extract.Wrap(models.ErrFetchFailed, err, "detect charset")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		if isTimeout(err) {
			return page, extract.Wrap(models.ErrFetchTimeout, err, "timed out reading page")
		}
		return page, extract.Wrap(models.ErrFetchFailed, err, "read page")
	}
	if int64(len(data)) > c.maxBytes {
		data = data[:c.maxBytes]
		page.Truncated = true
		c.log.Warn("page truncated at size cap", zap.String("url", u.Redacted()), zap.Int64("max_bytes", c.maxBytes))
	}
	page.HTML = strings.ToValidUTF8(string(data), "")
	return page, nil
}
