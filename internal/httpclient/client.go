// Package httpclient builds the pooled HTTP client the provider SDK runs on.
package httpclient

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds HTTP client configuration.
type Config struct {
	// Timeout bounds a single request, including reading the body.
	Timeout time.Duration

	// UserAgent is set on requests that carry none.
	UserAgent string

	// Logger receives one debug record per round trip. Nil disables it.
	Logger *slog.Logger

	Transport TransportConfig
}

// TransportConfig configures connection pooling.
type TransportConfig struct {
	// MaxIdleConns is the maximum number of idle connections across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum idle connections per host.
	MaxIdleConnsPerHost int

	// MaxConnsPerHost is the maximum concurrent connections per host.
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection may remain open.
	IdleConnTimeout time.Duration

	ForceAttemptHTTP2 bool
	DisableKeepAlives bool
}

// DefaultConfig returns defaults suited to a single sequential API consumer.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "ytharvest/1.0",
		Transport: DefaultTransportConfig(),
	}
}

// DefaultTransportConfig returns the default pool settings.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// New returns an *http.Client for cfg. Zero fields fall back to DefaultConfig.
func New(cfg Config) *http.Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.Transport == (TransportConfig{}) {
		cfg.Transport = def.Transport
	}

	base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Transport.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Transport.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Transport.IdleConnTimeout,
		ForceAttemptHTTP2:   cfg.Transport.ForceAttemptHTTP2,
		DisableKeepAlives:   cfg.Transport.DisableKeepAlives,
	}

	var rt http.RoundTripper = &userAgentTransport{base: base, userAgent: cfg.UserAgent}
	if cfg.Logger != nil {
		rt = &loggingTransport{base: rt, logger: cfg.Logger.With("component", "http")}
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: rt}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(clone)
}

type loggingTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	// The query string carries the API key; log the path only.
	attrs := []any{"method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "elapsed", time.Since(start)}
	if err != nil {
		t.logger.Debug("request failed", append(attrs, "error", err)...)
		return nil, err
	}
	t.logger.Debug("request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}
