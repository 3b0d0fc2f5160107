// Package errs provides structured error envelopes for venue-facing failures.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category on the venue ingest path.
type Code string

const (
	// CodeNetwork indicates a transport failure (dial, read, close).
	CodeNetwork Code = "network"
	// CodeParse indicates a malformed or unexpected venue message.
	CodeParse Code = "parse"
	// CodeConfig indicates a configuration fault, fatal for the venue.
	CodeConfig Code = "config"
	// CodeExchange indicates a venue-side error response.
	CodeExchange Code = "exchange_error"
	// CodeUnavailable indicates the subsystem is shut down or saturated.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced by venue feeders and the
// persistence layer.
type E struct {
	Venue   string
	Code    Code
	Message string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the venue and failure code.
func New(venue string, code Code, opts ...Option) *E {
	e := &E{
		Venue:   strings.TrimSpace(venue),
		Code:    code,
		Message: "",
		RawMsg:  "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawMessage captures the raw venue payload or error text.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	venue := strings.TrimSpace(e.Venue)
	if venue == "" {
		venue = "unknown"
	}
	parts = append(parts, "venue="+venue)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsConfig reports whether err carries a configuration fault anywhere in its
// chain. Config faults are fatal for the affected venue at startup.
func IsConfig(err error) bool {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code == CodeConfig
	}
	return false
}
