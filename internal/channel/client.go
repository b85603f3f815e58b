// Package channel implements the request/response IPC client for the engine's
// external controller, served over a local AF_UNIX socket or named pipe.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"vergecore/internal/shared/corestate"
	"vergecore/internal/shared/logger"
)

const (
	// maxInFlight bounds concurrent requests; additional callers queue.
	maxInFlight = 12
	// requestsPerSecond is the token-bucket refill rate.
	requestsPerSecond = 24
	// requestTimeout applies per attempt.
	requestTimeout = 10 * time.Second
	// retryCount is the number of re-attempts after the first failure.
	retryCount = 2
	// retryDelay spaces attempts.
	retryDelay = 200 * time.Millisecond
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodPost:   true,
	http.MethodDelete: true,
}

// noContentSentinel is what callers see for HTTP 204 so PATCH responses can
// be handled uniformly.
var noContentSentinel = json.RawMessage(`{"code":204}`)

// Client is a pooled IPC client. The underlying http.Transport keeps
// connections warm and creates new ones on demand up to the ceiling.
type Client struct {
	httpc    *http.Client
	tracker  *corestate.Tracker
	inflight *semaphore.Weighted
	limiter  *rate.Limiter
}

// New creates a client for the engine controller at the given IPC path.
func New(ipcPath string, tracker *corestate.Tracker) *Client {
	transport := &http.Transport{
		DialContext:         dialIPC(ipcPath),
		MaxIdleConns:        maxInFlight,
		MaxIdleConnsPerHost: maxInFlight,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		httpc:    &http.Client{Transport: transport},
		tracker:  tracker,
		inflight: semaphore.NewWeighted(maxInFlight),
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// Request performs one IPC call. Transport and protocol failures return an
// error; HTTP 4xx/5xx return the parsed body unchanged, the client does not
// interpret application status codes. While the breaker is not closed,
// non-GET calls fail immediately and GETs pass only when the tracker still
// looks healthy.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (int, json.RawMessage, error) {
	if !allowedMethods[method] {
		return 0, nil, fmt.Errorf("unsupported method %q", method)
	}
	if corestate.Circuit() != corestate.CircuitClosed {
		if method != http.MethodGet || !c.tracker.Healthy() {
			return 0, nil, corestate.ErrCoreDown
		}
	}
	return c.do(ctx, method, path, body, requestTimeout, retryCount)
}

// Probe issues GET /version bypassing the breaker gate. The supervisor
// watchdog uses it to detect engine recovery.
func (c *Client) Probe(ctx context.Context, timeout time.Duration) error {
	status, _, err := c.do(ctx, http.MethodGet, "/version", nil, timeout, 0)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("version probe returned status %d", status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, timeout time.Duration, retries int) (int, json.RawMessage, error) {
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", corestate.ErrPoolExhausted, err)
	}
	defer c.inflight.Release(1)

	var payload []byte
	if body != nil {
		var err error
		if raw, ok := body.(json.RawMessage); ok {
			payload = raw
		} else if payload, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			}
		}
		// Every wire attempt draws a token, retries included.
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
		status, raw, err := c.once(ctx, method, path, payload, timeout)
		if err == nil {
			c.tracker.RecordSuccess()
			return status, raw, nil
		}
		c.tracker.RecordFailure(err)
		lastErr = err
		logger.Debug().Err(err).Str("method", method).Str("path", path).Int("attempt", attempt+1).Msg("IPC request failed")
	}
	return 0, nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, timeout time.Duration) (int, json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	// The host is a placeholder; routing happens at the dialer.
	req, err := http.NewRequestWithContext(reqCtx, method, "http://mihomo"+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, noContentSentinel, nil
	}
	if len(data) == 0 {
		return resp.StatusCode, json.RawMessage("{}"), nil
	}
	if !json.Valid(data) {
		return 0, nil, fmt.Errorf("non-JSON response body (status %d)", resp.StatusCode)
	}
	return resp.StatusCode, json.RawMessage(data), nil
}
