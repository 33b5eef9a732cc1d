// Package errs provides structured error types and helpers for the order feed client.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a pipeline error category.
type Code string

const (
	// CodeSubscription indicates the broker rejected a subscription attempt.
	CodeSubscription Code = "subscription"
	// CodeSessionExpired indicates the broker no longer recognises the session.
	CodeSessionExpired Code = "session_expired"
	// CodeTransientPoll indicates a recoverable poll failure (network, 5xx, bad body).
	CodeTransientPoll Code = "transient_poll"
	// CodeNormalization indicates a raw order payload could not be normalised.
	CodeNormalization Code = "normalization"
	// CodeAck indicates an acknowledgment could not be delivered.
	CodeAck Code = "ack"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeStorage indicates the durable queue could not be read or written.
	CodeStorage Code = "storage"
	// CodeUnavailable indicates a component is closed or saturated.
	CodeUnavailable Code = "unavailable"
)

// Sentinels usable with errors.Is; any *E carrying the same code matches.
var (
	ErrSubscription   = &E{Code: CodeSubscription}
	ErrSessionExpired = &E{Code: CodeSessionExpired}
	ErrTransientPoll  = &E{Code: CodeTransientPoll}
	ErrNormalization  = &E{Code: CodeNormalization}
	ErrAck            = &E{Code: CodeAck}
	ErrInvalid        = &E{Code: CodeInvalid}
	ErrStorage        = &E{Code: CodeStorage}
	ErrUnavailable    = &E{Code: CodeUnavailable}
)

// E captures structured error information produced across the pipeline.
type E struct {
	Op          string
	Code        Code
	HTTP        int
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:          strings.TrimSpace(op),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		Fields:      nil,
		cause:       nil,
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

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair of diagnostic context.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code.
func (e *E) Is(target error) bool {
	if e == nil {
		return false
	}
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code != "" && other.Code == e.Code
}

// CodeOf returns the code of the first envelope in err's chain, or "" when none exists.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}
