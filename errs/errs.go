// Package errs provides the structured error envelope shared by the order engine.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeValidation indicates a malformed request. Never retryable.
	CodeValidation Code = "validation"
	// CodeStaleData indicates price or conversion data that is too old or missing.
	CodeStaleData Code = "stale_data"
	// CodeInsufficientMargin indicates the free-margin recheck under lock failed.
	CodeInsufficientMargin Code = "insufficient_margin"
	// CodeLockTimeout indicates the per-user lock could not be acquired in time.
	CodeLockTimeout Code = "lock_timeout"
	// CodeIDGeneration indicates identifier issuance exhausted its retries.
	CodeIDGeneration Code = "id_generation"
	// CodeDuplicateTrigger indicates an armed order fired twice.
	CodeDuplicateTrigger Code = "duplicate_trigger"
	// CodeRateLimited indicates the caller exceeded its order throttle.
	CodeRateLimited Code = "rate_limited"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates the resource is in a state that forbids the mutation.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

var retryableByDefault = map[Code]bool{
	CodeStaleData:   true,
	CodeLockTimeout: true,
	CodeRateLimited: true,
	CodeUnavailable: true,
}

// E captures structured error information produced across the engine.
type E struct {
	Component   string
	Code        Code
	Message     string
	Remediation string
	Metadata    map[string]string
	Retryable   bool

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		Retryable: retryableByDefault[code],
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

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryable overrides the retry classification derived from the code.
func WithRetryable(retryable bool) Option {
	return func(e *E) {
		e.Retryable = retryable
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		for k, v := range meta {
			WithField(k, v)(e)
		}
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Retryable {
		parts = append(parts, "retryable=true")
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the outermost envelope in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller may retry the failed operation unchanged.
func IsRetryable(err error) bool {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Retryable
	}
	return false
}

// Validation is shorthand for a non-retryable validation failure.
func Validation(component, message string, opts ...Option) *E {
	return New(component, CodeValidation, append([]Option{WithMessage(message)}, opts...)...)
}

// StaleData is shorthand for a retryable stale-data failure.
func StaleData(component, message string, opts ...Option) *E {
	return New(component, CodeStaleData, append([]Option{WithMessage(message)}, opts...)...)
}
