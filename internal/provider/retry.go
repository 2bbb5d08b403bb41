package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

const (
	maxRetries = 3
	// maxRetryAfter caps how long a server may ask us to back off.
	maxRetryAfter = 30 * time.Second
)

// retryBase is the first backoff step; attempt n waits n*n*retryBase plus jitter.
var retryBase = time.Second

// statusError is a transient HTTP failure that was retried and kept failing.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func backoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * retryBase
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// retryAfter parses a Retry-After header given as seconds or an HTTP date.
// It returns 0 when the header is absent or unusable.
func retryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(header); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(header); err == nil {
		d = at.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doWithRetry sends the request built by buildReq, retrying network errors,
// 429 and 5xx gateway statuses. A server's Retry-After wins over the computed
// backoff. Any other status is handed back to the caller untouched.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("retrying backend request", "attempt", attempt+1, "backoff", wait, "error", lastErr)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			wait = backoff(attempt + 1)
			continue
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		lastErr = &statusError{status: resp.StatusCode, body: string(body)}
		if wait = retryAfter(resp.Header.Get("Retry-After"), time.Now()); wait == 0 {
			wait = backoff(attempt + 1)
		}
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", maxRetries+1, lastErr)
}
