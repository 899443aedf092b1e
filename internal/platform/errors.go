package platform

import (
	"errors"
	"fmt"
	"time"
)

type Kind int

const (
	KindTransient Kind = iota
	KindRateLimited
	KindUnauthorized
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "transient"
	}
}

// Error is a classified platform failure.
type Error struct {
	Kind        Kind
	WaitSeconds int // rate-limit hint, KindRateLimited only
	Op          string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Kind == KindRateLimited {
		msg = fmt.Sprintf("%s (retry after %ds)", msg, e.WaitSeconds)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

var ErrNotConnected = errors.New("platform: not connected")

func RateLimited(op string, waitSeconds int, err error) error {
	return &Error{Kind: KindRateLimited, WaitSeconds: waitSeconds, Op: op, Err: err}
}

func Unauthorized(op string, err error) error {
	return &Error{Kind: KindUnauthorized, Op: op, Err: err}
}

func PermissionDenied(op string, err error) error {
	return &Error{Kind: KindPermissionDenied, Op: op, Err: err}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors are transient.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// RateLimitWait returns the wait hint carried by a rate-limit error.
func RateLimitWait(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindRateLimited {
		return time.Duration(pe.WaitSeconds) * time.Second, true
	}
	return 0, false
}

func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
