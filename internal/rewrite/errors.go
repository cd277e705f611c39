package rewrite

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/orsinium-labs/enum"
	"github.com/sashabaranov/go-openai"
)

// ErrorKind classifies a failed rewrite attempt.
type ErrorKind enum.Member[string]

var (
	KindTimeout   = ErrorKind{"timeout"}
	KindCanceled  = ErrorKind{"canceled"}
	KindNetwork   = ErrorKind{"network"}
	KindQuota     = ErrorKind{"quota"}
	KindUpstream  = ErrorKind{"upstream"}
	KindRejected  = ErrorKind{"rejected"}
	KindMalformed = ErrorKind{"malformed"}

	// ErrorKinds lists every kind.
	ErrorKinds = enum.New(KindTimeout, KindCanceled, KindNetwork, KindQuota, KindUpstream, KindRejected, KindMalformed)
)

// String returns the kind name.
func (k ErrorKind) String() string {
	return k.Value
}

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindQuota, KindUpstream:
		return true
	default:
		return false
	}
}

// Error is the typed result of a failed attempt. It never leaves the package
// through Polish; it is logged and turned into a fallback.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rewrite %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errEmptyCompletion = errors.New("completion has no content")

// classify maps a client error to an Error.
func classify(err error) *Error {
	var rwErr *Error
	if errors.As(err, &rwErr) {
		return rwErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode), Err: err}
	}

	return &Error{Kind: KindNetwork, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindRejected
	default:
		return KindUpstream
	}
}
