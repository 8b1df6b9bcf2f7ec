package domain

import (
	"errors"
	"fmt"
)

// Kind classifies errors by meaning, not by transport. Handlers map kinds to
// HTTP codes in exactly one place; kind-classified errors must survive any
// generic recovery path so a 401 is never reported as a 500.
type Kind int

const (
	KindUnknown Kind = iota
	KindTokenRejected
	KindPermissionDenied
	KindNotFound
	KindValidation
	KindRateLimited
	KindConflict
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTokenRejected:
		return "token_rejected"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_error"
	case KindRateLimited:
		return "rate_limited"
	case KindConflict:
		return "conflict"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	}
	return "server_error"
}

type Error struct {
	Kind Kind
	Msg  string
	// Fields carries per-field validation detail, when applicable.
	Fields map[string]string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf walks the chain and returns the first classified kind found.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTokenRejected):
		return KindTokenRejected
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	}
	return KindUnknown
}

// Sentinels for the common cases; prefer these over bespoke *Error values
// when no extra detail is needed.
var (
	ErrNotFound            = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied, Msg: "permission denied"}
	ErrTokenRejected       = &Error{Kind: KindTokenRejected, Msg: "token rejected"}
	ErrConflict            = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Msg: "upstream unavailable"}
)

func TokenRejected(msg string) error {
	return &Error{Kind: KindTokenRejected, Msg: msg}
}

func PermissionDenied(msg string) error {
	return &Error{Kind: KindPermissionDenied, Msg: msg}
}

func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func Validation(msg string, fields map[string]string) error {
	return &Error{Kind: KindValidation, Msg: msg, Fields: fields}
}

func RateLimited(msg string) error {
	return &Error{Kind: KindRateLimited, Msg: msg}
}

func Upstream(msg string, err error) error {
	return &Error{Kind: KindUpstreamUnavailable, Msg: msg, Err: err}
}
