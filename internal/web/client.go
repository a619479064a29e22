// Package web validates and fetches recipe pages.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"recipe-ingestion/internal/config"
)

var errPrivateHost = errors.New("host resolves to a private address")

// Client performs the preflight check and the full document fetch.
type Client struct {
	http             *http.Client
	userAgent        string
	preflightTimeout time.Duration
	fetchTimeout     time.Duration
	maxBytes         int64
	allowPrivate     bool
	htmlTypes        []string
	log              *zap.Logger
}

// NewClient builds a Client from config.
func NewClient(cfg config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	if !cfg.AllowPrivateHost {
		dialer.Control = refusePrivate
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	types := cfg.HTMLContentTypes
	if len(types) == 0 {
		types = []string{"text/html", "application/xhtml+xml"}
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	return &Client{
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		userAgent:        cfg.UserAgent,
		preflightTimeout: orDefault(cfg.PreflightTimeout, 3*time.Second),
		fetchTimeout:     orDefault(cfg.FetchTimeout, 10*time.Second),
		maxBytes:         maxBytes,
		allowPrivate:     cfg.AllowPrivateHost,
		htmlTypes:        types,
		log:              log,
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// refusePrivate runs after DNS resolution so a public name pointing at an
// internal address is still refused.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return errPrivateHost
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// isPrivateHost checks literal hosts before any network traffic.
func isPrivateHost(host string) bool {
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return isPrivateIP(ip)
	}
	return false
}

// ParseURL checks scheme and host of raw.
func (c *Client) ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("URL must use http or https")
	}
	if u.Hostname() == "" {
		return nil, errors.New("URL has no host")
	}
	if !c.allowPrivate && isPrivateHost(u.Hostname()) {
		return nil, errPrivateHost
	}
	return u, nil
}

func (c *Client) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return req, nil
}

// isHTML reports whether the media type of contentType is one of the accepted types.
// An absent header is accepted.
func (c *Client) isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	media := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	for _, t := range c.htmlTypes {
		if media == strings.ToLower(t) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
