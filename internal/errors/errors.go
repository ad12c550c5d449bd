// Copyright (C) 2026 WPMedia. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package errors provides the structured error type used throughout the
// instance supervisor. Every error the orchestrator needs to act on
// differently (silent return vs. fatal teardown vs. logged-and-retried) is
// tagged with a Kind so callers can tell errors apart with GetKind without
// string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind categorizes an error for dispatch purposes. The set mirrors the
// error kinds the core distinguishes (spec §7).
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindConflict
	KindTimeout

	// KindClaimMissed: the conditional slot-claim update matched nothing.
	// Silent - no resources were acquired, so no teardown is needed.
	KindClaimMissed
	// KindResourceExhausted: no free interface name was available.
	KindResourceExhausted
	// KindBridgeLookupFailed: bridge-mode setup could not find the host
	// interface that owns the server's network.
	KindBridgeLookupFailed
	// KindFilterRuleFailed: a firewall rule was rejected after every
	// insert retry was exhausted.
	KindFilterRuleFailed
	// KindProcessSpawnFailed: the OpenVPN binary could not be launched.
	KindProcessSpawnFailed
	// KindProcessCrashed: OpenVPN exited nonzero or its stdout closed
	// unexpectedly.
	KindProcessCrashed
	// KindHeartbeatEvicted: the heartbeat's conditional update matched no
	// document - an external actor removed this instance.
	KindHeartbeatEvicted
	// KindTransient: an individual datastore or filter-tool failure that
	// is logged and retried, never surfaced to a caller.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindClaimMissed:
		return "claim_missed"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindBridgeLookupFailed:
		return "bridge_lookup_failed"
	case KindFilterRuleFailed:
		return "filter_rule_failed"
	case KindProcessSpawnFailed:
		return "process_spawn_failed"
	case KindProcessCrashed:
		return "process_crashed"
	case KindHeartbeatEvicted:
		return "heartbeat_evicted"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is a structured error carrying a Kind, a message, an optional
// wrapped cause, and free-form attributes for logging.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a
// formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// Attr attaches an attribute to an error, wrapping it as KindInternal if it
// is not already a *Error.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindInternal, Message: err.Error(), Underlying: err}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of err, or KindUnknown if it is not a tagged error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes collects all attributes along err's chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)

	cur := err
	for cur != nil {
		var e *Error
		if errors.As(cur, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			cur = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target's type.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the result of calling Unwrap on err, if it has one.
func Unwrap(err error) error { return errors.Unwrap(err) }
