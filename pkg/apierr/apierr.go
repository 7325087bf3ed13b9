// Package apierr classifies failures of the upstream REST APIs.
package apierr

import (
	"errors"
	"fmt"
	"net/url"
)

// Kind is the failure class of an upstream call.
type Kind int

const (
	KindRequest     Kind = iota + 1 // request could not be built (bad input)
	KindTransport                   // request failed / network down
	KindHTTPStatus                  // non-2xx response
	KindSchema                      // payload missing expected fields
	KindRateLimited                 // upstream signals throttling
	KindUpstream                    // upstream returned an explicit error payload
)

var (
	ErrRequest     = errors.New("invalid request")
	ErrTransport   = errors.New("transport error")
	ErrHTTPStatus  = errors.New("http status error")
	ErrSchema      = errors.New("schema error")
	ErrRateLimited = errors.New("rate limited")
	ErrUpstream    = errors.New("upstream error")
)

func (k Kind) sentinel() error {
	switch k {
	case KindRequest:
		return ErrRequest
	case KindTransport:
		return ErrTransport
	case KindHTTPStatus:
		return ErrHTTPStatus
	case KindSchema:
		return ErrSchema
	case KindRateLimited:
		return ErrRateLimited
	case KindUpstream:
		return ErrUpstream
	}
	return errors.New("unknown error kind")
}

func (k Kind) String() string {
	return k.sentinel().Error()
}

// Error is a classified upstream failure. errors.Is matches both the kind
// sentinel (e.g. ErrRateLimited) and the wrapped cause.
type Error struct {
	Kind Kind
	Op   string // e.g. "fetch markets"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transport wraps a failed round trip. The request URL is dropped from
// *url.Error so API keys in the query never reach logs or the UI.
func Transport(op string, err error) *Error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	return New(KindTransport, op, err)
}

// Message returns the user-facing text of err without the operation prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

// KindOf reports the Kind of err, or 0 if err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
