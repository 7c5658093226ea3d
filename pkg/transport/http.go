package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHTTPTimeout bounds a single submission.
const DefaultHTTPTimeout = 60 * time.Second

// HTTPTransportConfig holds configuration for the HTTP collector transport.
type HTTPTransportConfig struct {
	URL     string
	Timeout time.Duration
}

// HTTPTransport POSTs batches to a collector endpoint.
type HTTPTransport struct {
	client *http.Client
	url    string
	logger zerolog.Logger
}

// NewHTTPTransport creates an HTTP transport. A nil client gets one with the
// configured timeout.
func NewHTTPTransport(cfg HTTPTransportConfig, client *http.Client, logger zerolog.Logger) (*HTTPTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("collector URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid collector URL %q: %w", cfg.URL, err)
	}
	if cfg.Timeout <= 0 {
		logger.Warn().Dur("provided_timeout", cfg.Timeout).Msg("Timeout must be positive, defaulting to 60s.")
		cfg.Timeout = DefaultHTTPTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPTransport{
		client: client,
		url:    cfg.URL,
		logger: logger.With().Str("component", "HTTPTransport").Logger(),
	}, nil
}

// Submit sends one payload. Any response from the collector, whatever its
// status, is returned without error; only failures to get a response are
// errors.
func (t *HTTPTransport) Submit(ctx context.Context, payload []byte, headers map[string]string, precompressed bool) (*Response, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range copyHeaders(headers, precompressed) {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submission to %s failed: %w", t.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.logger.Debug().Err(err).Msg("Failed to read collector response body.")
	}
	t.logger.Debug().
		Int("status", resp.StatusCode).
		Int("bytes", len(payload)).
		Str("request_id", req.Header.Get(HeaderRequestID)).
		Msg("Collector responded.")

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		BytesSent:  int64(len(payload)),
	}, nil
}
