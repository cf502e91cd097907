package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

// ClassifyStatus attaches an error class based on a provider HTTP status.
func ClassifyStatus(op string, status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status >= 500:
		return fmt.Errorf("%s: %w: %w", op, common.ErrTransient, err)
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return fmt.Errorf("%s: %w: %w", op, common.ErrConfiguration, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ClassifyTransport marks network failures and per-request timeouts as
// transient. A cancelled parent context is returned unchanged.
func ClassifyTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, common.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Malformed marks model output that could not be parsed.
func Malformed(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, common.ErrMalformedOutput, err)
}
