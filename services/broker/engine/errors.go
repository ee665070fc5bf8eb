// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the provider-independent session broker: the
// authenticator, the retry-aware executor, request pacing and the facade the
// dashboard routes call.
//
// # Flow
//
//	dashboard request
//	   │
//	   ▼
//	Broker ──► Resolver (item → destination + stored secret)
//	   │
//	   ▼
//	Executor ──► Store.Get ──(miss / near expiry)──► Authenticator ──► Provider.Login
//	   │
//	   ├─► Pacer.Wait
//	   ├─► operation(snapshot)
//	   └─► session invalid? drop / rotate, retry (bounded)
//
// Provider adapters live in the providers package and only describe how to
// log in, log out, attach tokens and recognise a rejected session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/QuantomDevs/QuantomOS-sub000/services/broker/session"
)

// =============================================================================
// Error Kinds
// =============================================================================

// Kind classifies every failure the broker reports.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota

	// KindInvalidCredential means the upstream rejected the secret, or the
	// stored secret could not be decoded. Not retryable without new input.
	KindInvalidCredential

	// KindConnection is a network-level failure: refused, reset, timed out,
	// DNS. Retryable after a delay.
	KindConnection

	// KindRateLimited means the upstream throttled us. Never retried inside
	// one call.
	KindRateLimited

	// KindProtocol means the upstream answered in an unexpected shape.
	KindProtocol

	// KindNotConfigured means no secret is available for the item.
	KindNotConfigured

	// KindUnauthorized means the session was rejected and retries ran out.
	KindUnauthorized

	// KindNotFound means the item does not exist.
	KindNotFound

	// KindMisconfigured means the stored connection info is unusable.
	KindMisconfigured

	// KindSessionInvalid is the internal signal an operation raises when the
	// upstream rejected the attached session. The executor consumes it.
	KindSessionInvalid

	// KindUnsupported means the provider does not implement the operation.
	KindUnsupported
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidCredential:
		return "invalid_credential"
	case KindConnection:
		return "connection_error"
	case KindRateLimited:
		return "rate_limited"
	case KindProtocol:
		return "protocol_error"
	case KindNotConfigured:
		return "not_configured"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindMisconfigured:
		return "misconfigured"
	case KindSessionInvalid:
		return "session_invalid"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// =============================================================================
// Error Type
// =============================================================================

// Error is the typed failure returned by every broker operation.
//
// # Description
//
// Error carries enough detail for the dashboard to decide what to show:
// the kind, the upstream status code and message, and whether the user
// should be asked to re-authenticate.
//
// # Fields
//
//   - Kind: Failure class.
//   - Provider: Adapter name, may be empty.
//   - StatusCode: Upstream HTTP status, 0 when no response was received.
//   - Message: Upstream or broker message, safe to show to the user.
//   - Err: Wrapped cause.
//   - Rotation: Replacement tokens carried with a session-invalid signal.
//
// # Example
//
//	var brokerErr *engine.Error
//	if errors.As(err, &brokerErr) && brokerErr.RequiresReauth() {
//	    // prompt for credentials
//	}
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
	Rotation   *session.Rotation
}

// Error implements error.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the Err* sentinels work with
// errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// RequiresReauth reports whether the user must supply or confirm
// credentials before the operation can succeed.
func (e *Error) RequiresReauth() bool {
	return e.Kind == KindUnauthorized || e.Kind == KindInvalidCredential
}

// Retryable reports whether the executor may retry after this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnection || e.Kind == KindSessionInvalid
}

// HTTPStatus maps the kind to the status the dashboard API returns.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidCredential, KindUnauthorized, KindSessionInvalid:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotConfigured, KindMisconfigured, KindUnsupported:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConnection, KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Hint returns user guidance for kinds where a generic message is not good
// enough.
func (e *Error) Hint() string {
	switch e.Kind {
	case KindRateLimited:
		if e.Provider == "pihole" {
			return "Pi-hole limits concurrent API sessions and the default session lifetime is 30 minutes; wait for old sessions to expire or raise webserver.api.max_sessions"
		}
		return "the service is throttling requests; try again later"
	case KindInvalidCredential:
		return "the stored password or API key was rejected; re-enter it in the widget settings"
	case KindUnauthorized:
		return "the service keeps rejecting the session; log in again"
	case KindNotConfigured:
		return "no password or API key is configured for this widget"
	default:
		return ""
	}
}

// Sentinels for errors.Is. Only Kind is compared.
var (
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential}
	ErrConnection        = &Error{Kind: KindConnection}
	ErrRateLimited       = &Error{Kind: KindRateLimited}
	ErrProtocol          = &Error{Kind: KindProtocol}
	ErrNotConfigured     = &Error{Kind: KindNotConfigured}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrMisconfigured     = &Error{Kind: KindMisconfigured}
	ErrSessionInvalid    = &Error{Kind: KindSessionInvalid}
	ErrUnsupported       = &Error{Kind: KindUnsupported}
)

// =============================================================================
// Constructors
// =============================================================================

// NewError builds an *Error.
func NewError(kind Kind, provider string, status int, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, StatusCode: status, Message: message, Err: cause}
}

// SessionInvalid builds the session-rejected signal, optionally carrying
// replacement tokens the executor should apply instead of logging in again.
func SessionInvalid(provider string, status int, rot *session.Rotation) *Error {
	return &Error{Kind: KindSessionInvalid, Provider: provider, StatusCode: status, Message: "session rejected", Rotation: rot}
}

// KindOf returns the Kind of err, KindUnknown for foreign errors and
// KindConnection for recognisable transport failures.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isTransportError(err) {
		return KindConnection
	}
	return KindUnknown
}

// Classify converts any error into an *Error. Transport-level failures
// (refused, reset, DNS, timeouts) become KindConnection.
func Classify(provider string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Provider == "" {
			cp := *e
			cp.Provider = provider
			return &cp
		}
		return e
	}
	if isTransportError(err) {
		return NewError(KindConnection, provider, 0, "", err)
	}
	return NewError(KindUnknown, provider, 0, "", err)
}

// isTransportError recognises network failures and timeouts.
func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// Remaining url.Errors are transport failures that did not expose a
		// more specific cause (EOF mid-response, TLS handshake).
		return true
	}
	return false
}
