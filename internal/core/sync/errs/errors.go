// Package errs defines the error taxonomy shared by the synchronization engine.
//
// Every failure the engine observes is classified into one Kind. Validation,
// ordering and corruption failures are handled where they are detected;
// transient failures are retried; permanent failures reach the caller.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindTransient
	KindPermanent
	KindOrdering
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindOrdering:
		return "ordering"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation      = errors.New("validation error")
	ErrTransient       = errors.New("transient network error")
	ErrPermanent       = errors.New("permanent error")
	ErrOrdering        = errors.New("ordering violation")
	ErrDataCorruption  = errors.New("data corruption")
	ErrRetriesExceeded = errors.New("retries exceeded")
)

// Error carries the classification of a failure together with its cause.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "submit" or "push.validate".
	Op string
	// Code is an optional machine readable reason (HTTP status text, schema keyword...).
	Code string
	// Status is the HTTP status when the failure came from a response.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrPermanent:
		return e.Kind == KindPermanent
	case ErrOrdering:
		return e.Kind == KindOrdering
	case ErrDataCorruption:
		return e.Kind == KindCorruption
	}
	return false
}

func Validation(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func Permanent(op, code string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Code: code, Err: err}
}

func Ordering(op string, format string, args ...any) error {
	return &Error{Kind: KindOrdering, Op: op, Err: fmt.Errorf(format, args...)}
}

func Corruption(op string, format string, args ...any) error {
	return &Error{Kind: KindCorruption, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromStatus classifies a non-2xx HTTP response. 408, 425, 429 and 5xx are
// transient; every other 4xx is permanent.
func FromStatus(op string, status int, message string) error {
	e := &Error{Op: op, Status: status, Code: http.StatusText(status)}
	if message != "" {
		e.Err = errors.New(message)
	}
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindPermanent
	}
	return e
}

// KindOf returns the classification of err. Unclassified network and timeout
// errors count as transient; context cancellation is permanent because a
// cancelled operation must not be retried.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanent
}
