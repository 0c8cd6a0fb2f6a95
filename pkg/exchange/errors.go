package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError is a non-2xx response from the exchange.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange: http %d: %s", e.Code, e.Body)
}

// IsTransient reports whether an exchange call failed in a way worth
// retrying: network timeouts, rate limiting (429) and server errors.
// Everything else, 4xx rejections in particular, can never succeed on
// retry and must be surfaced immediately.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusTooManyRequests || statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Caller-initiated cancellation is not a server fault; don't retry.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	// *url.Error implements net.Error but reports Timeout() false for
	// refused or reset connections; the wrapped *net.OpError identifies
	// those. Treat any network-layer failure as transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
