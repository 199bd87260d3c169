// Package edgeerr defines the runtime's typed error taxonomy. Each
// constructor wraps an underlying error with a stable code so that both the
// bus-reply translator and the HTTP/JSON-RPC translator can classify
// failures without string matching.
package edgeerr

import (
	"errors"
	"fmt"
)

// Code identifies a taxonomy entry from SPEC_FULL.md §7.
type Code string

const (
	AuthFailed           Code = "auth_failed"
	ConfigInvalid        Code = "config_invalid"
	TransportUnavailable Code = "transport_unavailable"
	ToolNotFound         Code = "tool_not_found"
	CallFailed           Code = "call_failed"
	SessionMissing       Code = "session_missing"
	SessionInvalid       Code = "session_invalid"
	OriginRefused        Code = "origin_refused"
	ProtocolUnsupported  Code = "protocol_unsupported"
	NotAcceptable        Code = "not_acceptable"
	Fatal                Code = "fatal"
)

// Error is a taxonomy-tagged error.
type Error struct {
	code Code
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.code, e.err) }

func (e *Error) Unwrap() error { return e.err }

// Code returns the taxonomy code.
func (e *Error) Code() Code { return e.code }

func newErr(code Code, err error) *Error { return &Error{code: code, err: err} }

func New(code Code, format string, args ...any) *Error {
	return newErr(code, fmt.Errorf(format, args...))
}

func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return newErr(code, err)
}

func MakeAuthFailed(err error) *Error           { return newErr(AuthFailed, err) }
func MakeConfigInvalid(err error) *Error        { return newErr(ConfigInvalid, err) }
func MakeTransportUnavailable(err error) *Error { return newErr(TransportUnavailable, err) }
func MakeToolNotFound(err error) *Error         { return newErr(ToolNotFound, err) }
func MakeCallFailed(err error) *Error           { return newErr(CallFailed, err) }
func MakeSessionMissing(err error) *Error       { return newErr(SessionMissing, err) }
func MakeSessionInvalid(err error) *Error       { return newErr(SessionInvalid, err) }
func MakeOriginRefused(err error) *Error        { return newErr(OriginRefused, err) }
func MakeProtocolUnsupported(err error) *Error  { return newErr(ProtocolUnsupported, err) }
func MakeNotAcceptable(err error) *Error        { return newErr(NotAcceptable, err) }
func MakeFatal(err error) *Error                { return newErr(Fatal, err) }

// CodeOf extracts the taxonomy code from err, returning ok=false if err (or
// anything in its chain) isn't a tagged *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, true
	}
	return "", false
}
