// Package errs defines the error taxonomy shared across the pipeline:
// config errors are fatal at startup, data errors are dropped and counted,
// component errors fail a single phase, timeout errors carry cooperative
// cancellation, and persistence errors are retried before surfacing.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	KindConfig      Kind = "config"
	KindData        Kind = "data"
	KindComponent   Kind = "component"
	KindTimeout     Kind = "timeout"
	KindPersistence Kind = "persistence"
)

// Error is a classified error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Config(op string, err error) *Error      { return New(KindConfig, op, err) }
func Data(op string, err error) *Error        { return New(KindData, op, err) }
func Component(op string, err error) *Error   { return New(KindComponent, op, err) }
func Timeout(op string, err error) *Error     { return New(KindTimeout, op, err) }
func Persistence(op string, err error) *Error { return New(KindPersistence, op, err) }

// KindOf returns the kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
