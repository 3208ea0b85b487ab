package crawler

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures for retry and reporting decisions.
type Kind string

// Failure kinds.
const (
	KindConfig              Kind = "CONFIG_ERROR"
	KindFetchTransient      Kind = "FETCH_TRANSIENT"
	KindFetchPermanent      Kind = "FETCH_PERMANENT"
	KindExtractionEmpty     Kind = "EXTRACTION_EMPTY"
	KindExtractionMalformed Kind = "EXTRACTION_MALFORMED"
	KindResourceExhaustion  Kind = "RESOURCE_EXHAUSTION"
)

// ErrMissingAPIKey is returned when the LLM strategy is enabled without credentials.
var ErrMissingAPIKey = errors.New("llm api key is not configured")

// ErrQueueClosed is returned by Queue.Dequeue once the queue is closed and empty.
var ErrQueueClosed = errors.New("queue closed")

// Error attaches a Kind to an underlying failure.
type Error struct {
	Kind Kind
	Op   string
	URL  string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and operation label.
func NewError(kind Kind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain. Context
// cancellation and deadlines map to FETCH_TRANSIENT; unknown errors map to
// FETCH_PERMANENT.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kinded *Error
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindFetchTransient
	}
	return KindFetchPermanent
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindFetchTransient, KindExtractionMalformed, KindResourceExhaustion:
		return true
	default:
		return false
	}
}
