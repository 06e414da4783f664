package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ClassifyStatus maps an HTTP status code onto a failure category. A zero
// category means the status is a success.
func ClassifyStatus(code int) FailureCategory {
	switch {
	case code >= 200 && code < 300:
		return FailureNone
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return FailureTimeout
	case code >= 500:
		return FailureTransientNetwork
	case code >= 400:
		return FailurePermanent
	default:
		return FailureTransientNetwork
	}
}

// ParseRetryAfter reads a Retry-After header value given either in seconds
// or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// FailureFromStatus builds a FetchFailure for a non-2xx response.
func FailureFromStatus(code int, header http.Header, now time.Time) *FetchFailure {
	failure := &FetchFailure{
		Category:   ClassifyStatus(code),
		StatusCode: code,
		Err:        fmt.Errorf("unexpected status %d", code),
	}
	if failure.Category == FailureRateLimited && header != nil {
		failure.RetryAfter = ParseRetryAfter(header.Get("Retry-After"), now)
	}
	return failure
}

// ClassifyError classifies an arbitrary fetch error. Adapters that already
// return *FetchFailure keep their category.
func ClassifyError(err error) (FailureCategory, time.Duration) {
	if err == nil {
		return FailureNone, 0
	}
	var failure *FetchFailure
	if errors.As(err, &failure) {
		return failure.Category, failure.RetryAfter
	}
	if errors.Is(err, context.Canceled) {
		return FailureCanceled, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout, 0
	}
	return FailureTransientNetwork, 0
}
