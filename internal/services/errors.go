package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
	ErrTransient     = errors.New("transient failure")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnavailable   = errors.New("upstream unavailable")
	ErrUnsupported   = errors.New("unsupported format")
	ErrMalformed     = errors.New("malformed response")
	ErrTooLarge      = errors.New("content too large")
	ErrNoContent     = errors.New("no content")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// codedError attaches a stable machine-readable code to an error chain.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }

// WithCode tags err with a machine-readable error code. The outermost code wins
// when an error chain carries several.
func WithCode(err error, code string) error {
	code = strings.TrimSpace(code)
	if err == nil || code == "" {
		return err
	}
	return &codedError{code: code, err: err}
}

// Code returns the outermost error code attached with WithCode.
func Code(err error) (string, bool) {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code, true
	}
	return "", false
}

// ErrorDetails summarizes an error for logging and user-visible status fields.
type ErrorDetails struct {
	Kind    string
	Code    string
	Message string
	Cause   error
}

// Details extracts the marker kind, code, and a trimmed message from err.
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	details := ErrorDetails{
		Kind:    markerKind(err),
		Message: strings.TrimSpace(err.Error()),
		Cause:   errors.Unwrap(err),
	}
	if code, ok := Code(err); ok {
		details.Code = code
	}
	return details
}

var markerKinds = []struct {
	marker error
	kind   string
}{
	{ErrValidation, "validation"},
	{ErrConfiguration, "configuration"},
	{ErrNotFound, "not_found"},
	{ErrTimeout, "timeout"},
	{ErrRateLimited, "rate_limited"},
	{ErrUnavailable, "unavailable"},
	{ErrUnsupported, "unsupported"},
	{ErrMalformed, "malformed"},
	{ErrTooLarge, "too_large"},
	{ErrNoContent, "no_content"},
	{ErrExternalTool, "external_tool"},
	{ErrTransient, "transient"},
}

func markerKind(err error) string {
	for _, mk := range markerKinds {
		if errors.Is(err, mk.marker) {
			return mk.kind
		}
	}
	return "unknown"
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
