// Package retry is the shared failure taxonomy for stage handlers. Classify
// turns any gateway or handler error into a retryable/terminal decision with a
// stable code, and Policy turns that decision plus the attempt number into a
// concrete action: retry after a doubling backoff, fail, or dead-letter once
// the attempt budget is spent.
package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"capsule/internal/services"
)

// Stable error codes written to records and events.
const (
	CodeTimeout             = "timeout"
	CodeRateLimited         = "rate_limited"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeUnsupportedFormat   = "unsupported_format"
	CodeMalformedResponse   = "malformed_response"
	CodeContentTooLarge     = "content_too_large"
	CodeNoContent           = "no_content"
	CodeInvalidInput        = "invalid_input"
	CodeConfiguration       = "configuration_error"
	CodeInternal            = "internal_error"
	CodeHeartbeatTimeout    = "heartbeat_timeout"
	CodeEnqueueFailed       = "enqueue_failed"
	CodeInterrupted         = "interrupted"
)

// Decision is the classification of one error.
type Decision struct {
	Retryable bool
	Code      string
}

// Classify maps an error to a retry decision. An explicit code attached with
// services.WithCode wins over the derived one; retryability always comes from
// the error kind.
func Classify(err error) Decision {
	if err == nil {
		return Decision{}
	}
	decision := classifyKind(err)
	if code, ok := services.Code(err); ok {
		decision.Code = code
	}
	return decision
}

func classifyKind(err error) Decision {
	switch {
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Decision{Retryable: true, Code: CodeTimeout}
	case errors.Is(err, context.Canceled):
		return Decision{Retryable: true, Code: CodeInterrupted}
	case errors.Is(err, services.ErrRateLimited):
		return Decision{Retryable: true, Code: CodeRateLimited}
	case errors.Is(err, services.ErrUnavailable), errors.Is(err, services.ErrTransient):
		return Decision{Retryable: true, Code: CodeUpstreamUnavailable}
	case errors.Is(err, services.ErrUnsupported):
		return Decision{Code: CodeUnsupportedFormat}
	case errors.Is(err, services.ErrMalformed):
		return Decision{Code: CodeMalformedResponse}
	case errors.Is(err, services.ErrTooLarge):
		return Decision{Code: CodeContentTooLarge}
	case errors.Is(err, services.ErrNoContent):
		return Decision{Code: CodeNoContent}
	case errors.Is(err, services.ErrValidation), errors.Is(err, services.ErrNotFound):
		return Decision{Code: CodeInvalidInput}
	case errors.Is(err, services.ErrConfiguration):
		return Decision{Code: CodeConfiguration}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return Decision{Retryable: true, Code: CodeTimeout}
		case codes.Canceled:
			return Decision{Retryable: true, Code: CodeInterrupted}
		case codes.ResourceExhausted:
			return Decision{Retryable: true, Code: CodeRateLimited}
		case codes.Unavailable, codes.Aborted:
			return Decision{Retryable: true, Code: CodeUpstreamUnavailable}
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return Decision{Code: CodeUnsupportedFormat}
		case codes.PermissionDenied, codes.Unauthenticated:
			return Decision{Code: CodeConfiguration}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Retryable: true, Code: CodeTimeout}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return Decision{Retryable: true, Code: CodeTimeout}
	}
	return Decision{Code: CodeInternal}
}

// Action is what a stage handler should do after a failure.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionFail       Action = "fail"
	ActionDeadLetter Action = "dead_letter"
)

// Outcome is the resolved policy result for one failed attempt.
type Outcome struct {
	Action Action
	Code   string
	Delay  time.Duration
}

// Policy bounds retries. MaxAttempts counts total attempts including the
// first, so MaxAttempts=3 permits two retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Delay returns the wait before the retry that follows retryCount earlier
// retries: base, 2*base, 4*base, capped at MaxDelay.
func (p Policy) Delay(retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if p.MaxDelay > 0 && delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Decide resolves err for the given 1-based attempt number.
func (p Policy) Decide(err error, attempt int) Outcome {
	decision := Classify(err)
	if !decision.Retryable {
		return Outcome{Action: ActionFail, Code: decision.Code}
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return Outcome{Action: ActionDeadLetter, Code: decision.Code}
	}
	return Outcome{Action: ActionRetry, Code: decision.Code, Delay: p.Delay(attempt - 1)}
}
