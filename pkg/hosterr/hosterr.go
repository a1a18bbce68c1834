// Package hosterr classifies the failures surfaced by source retrieval and
// by the enforcement strategies.
package hosterr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchKind categorises a failed list retrieval.
type FetchKind int

const (
	FetchNetwork FetchKind = iota
	FetchTimeout
	FetchHTTPStatus
)

func (k FetchKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchTimeout:
		return "timeout"
	case FetchHTTPStatus:
		return "http_status"
	default:
		return "unknown"
	}
}

// FetchError is returned by the fetcher for one source. It is never fatal to
// a sync round.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	URL        string
	Underlying error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	case e.Underlying != nil:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Underlying)
	default:
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Underlying
}

// NewFetchError classifies a transport error into a FetchError.
func NewFetchError(url string, err error) *FetchError {
	kind := FetchNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, URL: url, Underlying: err}
}

// StatusError reports a non-success HTTP status for url.
func StatusError(url string, code int) *FetchError {
	return &FetchError{Kind: FetchHTTPStatus, StatusCode: code, URL: url}
}

// Kind categorises a strategy-level failure.
type Kind int

const (
	KindUnknown Kind = iota
	PrivilegeDenied
	WriteFailed
	VerifyFailed
	InterfaceUnavailable
	UpstreamUnreachable
)

func (k Kind) String() string {
	switch k {
	case PrivilegeDenied:
		return "privilege_denied"
	case WriteFailed:
		return "write_failed"
	case VerifyFailed:
		return "verify_failed"
	case InterfaceUnavailable:
		return "interface_unavailable"
	case UpstreamUnreachable:
		return "upstream_unreachable"
	default:
		return "unknown"
	}
}

// HostError aborts the current apply or revert transition.
type HostError struct {
	Kind       Kind
	Message    string
	Underlying error
}

func (e *HostError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

func (e *HostError) Unwrap() error {
	return e.Underlying
}

// New creates a HostError of the given kind.
func New(kind Kind, msg string) error {
	return &HostError{Kind: kind, Message: msg}
}

// Wrap wraps err as a HostError of the given kind. A nil err stays nil.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &HostError{Kind: kind, Message: msg, Underlying: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &HostError{Kind: kind, Message: fmt.Sprintf(format, args...), Underlying: err}
}

// KindOf returns the HostError kind in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *HostError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// AsHostError returns err as a HostError, classifying foreign errors as
// KindUnknown so callers always have something to surface.
func AsHostError(err error) *HostError {
	if err == nil {
		return nil
	}
	var e *HostError
	if errors.As(err, &e) {
		return e
	}
	return &HostError{Kind: KindUnknown, Message: "unclassified failure", Underlying: err}
}
