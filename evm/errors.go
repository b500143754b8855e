// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

package evm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies RPC failures so callers can decide between narrowing the
// request, stopping for this run, or giving up.
type Kind int

const (
	// KindFatal covers malformed requests and node errors unrelated to load.
	KindFatal Kind = iota
	// KindTransient covers rate limits, timeouts and oversized ranges. A
	// smaller request may succeed.
	KindTransient
	// KindBudget means the client deadline passed before the request was sent.
	KindBudget
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBudget:
		return "budget"
	default:
		return "fatal"
	}
}

// ErrBudgetExceeded is wrapped by every error of KindBudget.
var ErrBudgetExceeded = errors.New("time budget exceeded")

// Error is returned by every Client method.
type Error struct {
	Kind   Kind
	Method string
	Code   int // JSON-RPC error code, 0 when the failure was below JSON-RPC
	Err    error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: rpc error %d: %v", e.Method, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, KindFatal for non-RPC errors.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	if errors.Is(err, ErrBudgetExceeded) {
		return KindBudget
	}
	return KindFatal
}

// IsTransient reports whether a narrower retry may succeed.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsBudget reports whether err stems from the client deadline.
func IsBudget(err error) bool { return KindOf(err) == KindBudget }

// Node error codes that signal load or range limits (EIP-1474 and common
// provider extensions).
const (
	codeLimitExceeded   = -32005
	codeResourceUnavail = -32002
)

// Message fragments providers use for retryable failures.
var transientFragments = []string{
	"too many",
	"rate",
	"range",
	"limit",
	"timeout",
	"timed out",
	"exceeded",
	"try again",
}

// classifyRPC maps a JSON-RPC error envelope to a kind.
func classifyRPC(code int, message string) Kind {
	if code == codeLimitExceeded || code == codeResourceUnavail {
		return KindTransient
	}
	return classifyMessage(message)
}

// classifyHTTP maps a non-200 HTTP status to a kind.
func classifyHTTP(status int) Kind {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusBadGateway, http.StatusRequestEntityTooLarge:
		return KindTransient
	default:
		return KindFatal
	}
}

// classifyTransport maps a transport-level error to a kind.
func classifyTransport(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return classifyMessage(err.Error())
}

func classifyMessage(message string) Kind {
	lower := strings.ToLower(message)
	for _, frag := range transientFragments {
		if strings.Contains(lower, frag) {
			return KindTransient
		}
	}
	return KindFatal
}
