package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domainErrors "github.com/cassiomorais/taskmessage/internal/domain/errors"
	"github.com/cassiomorais/taskmessage/internal/domain/taskmessage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultMaxResponseBytes = 4096

// NewHTTPClient returns a traced client with a whole-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPStrategy sends the payload as the request body to the record's URL.
// Any non-2xx response is a delivery failure.
type HTTPStrategy struct {
	failer
	client   *http.Client
	maxBytes int64
}

func NewHTTPStrategy(client *http.Client, store taskmessage.StatusUpdater, logger zerolog.Logger, maxResponseBytes int64) *HTTPStrategy {
	if maxResponseBytes <= 0 {
		maxResponseBytes = defaultMaxResponseBytes
	}
	return &HTTPStrategy{
		failer:   failer{store: store, logger: logger},
		client:   client,
		maxBytes: maxResponseBytes,
	}
}

func (s *HTTPStrategy) Type() taskmessage.TransportType { return taskmessage.TransportHTTP }

func (s *HTTPStrategy) Notify(ctx context.Context, rec taskmessage.Record) (string, error) {
	if s.client == nil {
		return "", notConfigured(s.Type())
	}
	cfg := rec.TransportConfig.HTTP
	if cfg == nil {
		return "", s.fail(ctx, rec, missingSection(s.Type(), rec))
	}

	req, err := http.NewRequestWithContext(ctx, cfg.MethodOrDefault(), cfg.URL, strings.NewReader(rec.Payload))
	if err != nil {
		return "", s.fail(ctx, rec, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", cfg.ContentTypeOrDefault())
	if cfg.Authorization != "" {
		req.Header.Set("Authorization", cfg.Authorization)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Task-Id", rec.TaskID)
	if rec.TaskName != "" {
		req.Header.Set("X-Task-Name", rec.TaskName)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", s.fail(ctx, rec, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes))
	if err != nil {
		return "", s.fail(ctx, rec, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if rejected(resp.StatusCode) {
			cause = fmt.Errorf("%w: %w", domainErrors.ErrRejected, cause)
		}
		return "", s.fail(ctx, rec, cause)
	}
	return string(body), nil
}

// rejected reports whether the endpoint is up but refuses this request.
// Timeouts and throttling still count against the endpoint.
func rejected(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}
