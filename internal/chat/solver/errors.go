package solver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/mathsolver/core/internal/chat/stream"
	errx "github.com/mathsolver/core/internal/core/error"
)

// Precondition failures. They are returned before any I/O or mutation.
var (
	ErrEmptyQuestion        = errx.Precondition("please enter a question")
	ErrMissingConfig        = errx.Precondition("please configure the API endpoint, key and model first")
	ErrNoActiveConversation = errx.Precondition("no active conversation")
	ErrSolveInProgress      = errx.Precondition("a solve is already running for this conversation")
)

const (
	msgInvalidCredentials = "Invalid API key, please check your settings"
	msgRateLimited        = "Too many requests, please try again later"
	msgUnavailable        = "The API service is temporarily unavailable, please try again later"
	msgTimeout            = "The request timed out, please check your network connection"
	msgNetwork            = "Network connection failed, please check your network settings"
)

// Classify maps a solve failure onto the user-facing taxonomy. Errors that
// already carry an AppError are returned unchanged.
func Classify(err error) *errx.AppError {
	if err == nil {
		return nil
	}

	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var statusErr *stream.StatusError
	if errors.As(err, &statusErr) {
		switch code := statusErr.StatusCode; {
		case code == http.StatusUnauthorized:
			return errx.Transport(err, errx.CategoryInvalidCredentials, code, msgInvalidCredentials)
		case code == http.StatusTooManyRequests:
			return errx.Transport(err, errx.CategoryRateLimited, code, msgRateLimited)
		case code >= http.StatusInternalServerError:
			return errx.Transport(err, errx.CategoryUnavailable, code, msgUnavailable)
		default:
			return errx.Transport(err, errx.CategoryUnknown, code, failedMessage(err))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errx.Transport(err, errx.CategoryTimeout, 0, msgTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errx.Transport(err, errx.CategoryTimeout, 0, msgTimeout)
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return errx.Transport(err, errx.CategoryNetwork, 0, msgNetwork)
	}

	return errx.Transport(err, errx.CategoryUnknown, 0, failedMessage(err))
}

func failedMessage(err error) string {
	return fmt.Sprintf("Solve failed: %v", err)
}
