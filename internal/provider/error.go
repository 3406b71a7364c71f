package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies an adapter outcome. It is the only error vocabulary that
// crosses the adapter boundary; backend wire shapes never leak above it.
type Kind int

const (
	// KindSuccess is the outcome of a nil error.
	KindSuccess Kind = iota
	// KindClient means the request itself was rejected. Never retried and
	// never counted against the provider's health.
	KindClient
	// KindTransient means the provider faulted (network, 5xx, over-quota).
	// Eligible for fallback and counted against circuit health.
	KindTransient
	// KindTimeout is a deadline hit; treated like KindTransient for health.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindClient:
		return "client_error"
	case KindTransient:
		return "transient_error"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Retryable reports whether the outcome makes a fallback attempt worthwhile.
func (k Kind) Retryable() bool { return k == KindTransient || k == KindTimeout }

// Error is a classified adapter failure.
type Error struct {
	Kind     Kind
	Provider string
	Status   int // upstream HTTP status, 0 when not applicable
	Message  string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// KindOf classifies any error returned by an adapter. Unknown errors are
// treated as transient so an unexpected fault still trips the breaker.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindTransient
}

// ClassifyStatus maps an upstream HTTP status to the outcome taxonomy.
// 429 and 5xx are provider faults; every other non-2xx is a semantic
// rejection of the request.
func ClassifyStatus(providerName string, status int, body []byte) *Error {
	kind := KindClient
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = KindTransient
	}
	msg := string(body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &Error{Kind: kind, Provider: providerName, Status: status, Message: msg}
}

// WrapTransport classifies a transport-level failure (dial, TLS, deadline).
func WrapTransport(providerName string, err error) *Error {
	kind := KindTransient
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Provider: providerName, Message: err.Error()}
}

// CapabilityMismatch is returned when a backend cannot natively produce the
// requested format and the adapter has no transcoder for it.
func CapabilityMismatch(providerName string, f Format) *Error {
	return &Error{
		Kind:     KindClient,
		Provider: providerName,
		Message:  fmt.Sprintf("format %s not supported and no transcoder available", f),
	}
}
