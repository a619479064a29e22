package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/extract"
	"recipe-ingestion/internal/models"
)

func testClient(allowPrivate bool) *Client {
	return NewClient(config.Config{
		AllowPrivateHost: allowPrivate,
		PreflightTimeout: 500 * time.Millisecond,
		FetchTimeout:     500 * time.Millisecond,
		FetchMaxBytes:    2048,
		UserAgent:        "test-agent",
	}, nil)
}

func TestPreflight(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusGone) })
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) })
	mux.HandleFunc("/blocked", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) })
	mux.HandleFunc("/pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
	})
	mux.HandleFunc("/nohead", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := testClient(true)
	cases := []struct {
		path       string
		ok         bool
		code       models.ErrorCode
		nextAction string
	}{
		{"/ok", true, "", ""},
		{"/nohead", true, "", ""},
		{"/gone", false, models.ErrFetchFailed, ""},
		{"/missing", false, models.ErrFetchFailed, ""},
		{"/blocked", false, models.ErrFetchFailed, models.NextActionClientWebview},
		{"/pdf", false, models.ErrUnsupportedContentType, ""},
		{"/slow", false, models.ErrFetchTimeout, ""},
	}
	for _, tc := range cases {
		res := client.Preflight(context.Background(), srv.URL+tc.path)
		if res.OK != tc.ok || res.ErrorCode != tc.code || res.NextAction != tc.nextAction {
			t.Fatalf("%s: got %+v", tc.path, res)
		}
	}
}

func TestPreflightRejectsBadURLs(t *testing.T) {
	client := testClient(false)
	for _, raw := range []string{"ftp://example.com/x", "not a url", "http://127.0.0.1/x", "http://localhost:8080/", "https:///path"} {
		res := client.Preflight(context.Background(), raw)
		if res.OK || res.ErrorCode != models.ErrInvalidURL {
			t.Fatalf("%q: expected invalid_url, got %+v", raw, res)
		}
	}
}

func TestFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/recipe", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("missing user agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>Soup</h1></body></html>"))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(strings.Repeat("a", 4096)))
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) })
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{}"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := testClient(true)

	page, err := client.Fetch(context.Background(), srv.URL+"/recipe")
	if err != nil || !strings.Contains(page.HTML, "<h1>Soup</h1>") {
		t.Fatalf("fetch: %v %q", err, page.HTML)
	}

	page, err = client.Fetch(context.Background(), srv.URL+"/big")
	if err != nil || !page.Truncated || len(page.HTML) != 2048 {
		t.Fatalf("expected truncation, got err=%v len=%d", err, len(page.HTML))
	}

	_, err = client.Fetch(context.Background(), srv.URL+"/forbidden")
	f := extract.AsFailure(err)
	if f.Code != models.ErrFetchFailed || f.NextAction != models.NextActionClientWebview || f.Retryable() {
		t.Fatalf("unexpected failure for 403: %+v", f)
	}

	_, err = client.Fetch(context.Background(), srv.URL+"/error")
	if f := extract.AsFailure(err); f.Code != models.ErrFetchFailed || !f.Retryable() {
		t.Fatalf("5xx must be a retryable fetch_failed, got %+v", f)
	}

	_, err = client.Fetch(context.Background(), srv.URL+"/json")
	if f := extract.AsFailure(err); f.Code != models.ErrUnsupportedContentType {
		t.Fatalf("expected unsupported_content_type, got %+v", f)
	}
}

func TestFetchRefusesPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	_, err := testClient(false).Fetch(context.Background(), srv.URL)
	var f *extract.Failure
	if !errors.As(err, &f) || f.Code != models.ErrInvalidURL {
		t.Fatalf("expected invalid_url, got %v", err)
	}
}
