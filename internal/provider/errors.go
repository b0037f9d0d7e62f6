package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies provider and pipeline failures.
type ErrorKind string

const (
	KindConfig        ErrorKind = "config"
	KindPermission    ErrorKind = "permission"
	KindRateLimit     ErrorKind = "rate_limit"
	KindNetwork       ErrorKind = "network"
	KindTimeout       ErrorKind = "timeout"
	KindUnprocessable ErrorKind = "unprocessable"
	KindAPI           ErrorKind = "api"
	KindNotFound      ErrorKind = "not_found"
	KindNormalization ErrorKind = "normalization"
	KindInternal      ErrorKind = "internal"
	// KindCanceled means the caller gave up. It says nothing about the
	// provider.
	KindCanceled ErrorKind = "canceled"
)

// Error is the single error type surfaced by adapters and the orchestrator.
type Error struct {
	Kind    ErrorKind
	Source  Source
	Message string
	// Status is the upstream HTTP status when one was received.
	Status int
	// UpgradePrompt is set on tier-gated permission failures.
	UpgradePrompt *UpgradePrompt
	Err           error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Source, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, src Source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: src, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies a transport error. Cancellation becomes KindCanceled,
// deadline errors become KindTimeout and everything else from the network
// stack becomes KindNetwork.
func Wrap(src Source, err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		kind = KindTimeout
	}
	return &Error{Kind: kind, Source: src, Message: err.Error(), Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// Retryable reports whether err is a transient failure worth retrying.
// Permission, quota and request-shape failures are definitional and are
// never retried.
func Retryable(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindAPI:
		return pe.Status >= 500
	default:
		return false
	}
}

// UpgradePromptOf extracts the upgrade prompt carried by err, if any.
func UpgradePromptOf(err error) *UpgradePrompt {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.UpgradePrompt
	}
	return nil
}
