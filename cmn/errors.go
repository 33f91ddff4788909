// Package cmn provides the common error kinds and small helpers shared
// across the cluster management service, following the teacher's pattern
// of formatted, contextual errors (fmt.Errorf(cmn.FmtErr..., ...)) layered
// over github.com/pkg/errors for cause-chaining.
/*
 * Copyright (c) 2024, CMS Federation contributors. All rights reserved.
 */
package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the dispatch-level error categories from spec §7.
type Kind int

const (
	KindNone Kind = iota
	KindTransportLost
	KindPeerEvicted
	KindBadRequest
	KindPathUnknown
	KindNoServers
	KindBusy
	KindFsError
	KindPolicyReject
	KindOverflow
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransportLost:
		return "transport-lost"
	case KindPeerEvicted:
		return "peer-evicted"
	case KindBadRequest:
		return "bad-request"
	case KindPathUnknown:
		return "path-unknown"
	case KindNoServers:
		return "no-servers"
	case KindBusy:
		return "busy"
	case KindFsError:
		return "fs-error"
	case KindPolicyReject:
		return "policy-reject"
	case KindOverflow:
		return "overflow"
	case KindTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Error is the structured error every dispatch operation returns; the
// router (node package) converts it to one of the wire codes kYR_error /
// kYR_wait, or a successful response (spec §7).
type Error struct {
	Kind    Kind
	Errno   int // populated for KindFsError
	Context string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Context, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds a contextual Error, wrapping cause with pkg/errors so a
// stack-free but traceable %+v is available for the log line.
func NewError(kind Kind, context string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithMessage(cause, context)
	}
	return &Error{Kind: kind, Context: context, cause: wrapped}
}

func NewFsError(errno int, context string) *Error {
	return &Error{Kind: KindFsError, Errno: errno, Context: context}
}

// KindOf reports the Kind of err if it (or something it wraps) is an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// Retryable reports whether the dispatcher should reply with a wait/retry
// rather than a terminal error (spec §7: Busy maps to retry-with-delay).
func Retryable(err error) bool {
	return KindOf(err) == KindBusy
}
