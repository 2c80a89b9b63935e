// Package xrdstatus defines the typed error taxonomy shared across the
// client core. No part of the request pipeline signals failure through
// panics: every operation returns a *Status (or nil for unqualified success).
package xrdstatus

import "fmt"

// Severity classifies how serious a Status is.
type Severity int

const (
	// Ok means the operation succeeded outright.
	Ok Severity = iota
	// OkRedirect means the operation succeeded, but its "result" is a
	// redirect the caller opted to see instead of following (XRDRedirect).
	OkRedirect
	// OkPartial means an aggregated operation partially failed but still
	// carries usable results (Partial).
	OkPartial
	// Error is a recoverable failure.
	Error
	// Fatal means the underlying connection or session is unusable.
	Fatal
)

// Kind enumerates the taxonomy from spec §7.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidArgs
	KindInvalidAddr
	KindUninitialized
	KindInvalidMessage
	KindInvalidResponse
	KindInvalidRedirectURL
	KindInvalidSession
	KindUnknownCommand
	KindRedirectLimit
	KindErrorResponse
	KindConnectionError
	KindSocketError
	KindSocketTimeout
	KindSocketDisconnected
	KindOperationExpired
	KindRetry
	KindAuthError
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidArgs:
		return "invalid arguments"
	case KindInvalidAddr:
		return "invalid address"
	case KindUninitialized:
		return "uninitialized"
	case KindInvalidMessage:
		return "invalid message"
	case KindInvalidResponse:
		return "invalid response"
	case KindInvalidRedirectURL:
		return "invalid redirect url"
	case KindInvalidSession:
		return "invalid session"
	case KindUnknownCommand:
		return "unknown command"
	case KindRedirectLimit:
		return "redirect limit exceeded"
	case KindErrorResponse:
		return "server error"
	case KindConnectionError:
		return "connection error"
	case KindSocketError:
		return "socket error"
	case KindSocketTimeout:
		return "socket timeout"
	case KindSocketDisconnected:
		return "socket disconnected"
	case KindOperationExpired:
		return "operation expired"
	case KindRetry:
		return "retry"
	case KindAuthError:
		return "authentication error"
	default:
		return "unknown"
	}
}

// Status is the value every core operation resolves to.
type Status struct {
	Severity Severity
	Kind     Kind
	Message  string

	// ServerCode is populated only for KindErrorResponse: the server's own
	// numeric error code, carried alongside the textual Message.
	ServerCode int32

	// RedirectHost/RedirectPort/RedirectCGI are populated only for
	// OkRedirect: the target the caller asked to see instead of following
	// (spec.md §3 "redirect_as_answer").
	RedirectHost string
	RedirectPort int
	RedirectCGI  string
}

// IsOK reports whether this is a non-error outcome (including OkRedirect/OkPartial).
func (s *Status) IsOK() bool {
	return s == nil || s.Severity == Ok || s.Severity == OkRedirect || s.Severity == OkPartial
}

// IsFatal reports whether the underlying stream/session must be torn down.
func (s *Status) IsFatal() bool {
	return s != nil && s.Severity == Fatal
}

func (s *Status) Error() string {
	if s == nil {
		return "ok"
	}
	if s.Kind == KindErrorResponse {
		return fmt.Sprintf("%s: %s (server code %d)", s.Kind, s.Message, s.ServerCode)
	}
	if s.Message == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Message)
}

// New builds an Error-severity Status.
func New(kind Kind, format string, args ...interface{}) *Status {
	return &Status{Severity: Error, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewFatal builds a Fatal-severity Status.
func NewFatal(kind Kind, format string, args ...interface{}) *Status {
	return &Status{Severity: Fatal, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NewServerError builds a KindErrorResponse Status carrying the server's code.
func NewServerError(code int32, text string) *Status {
	return &Status{Severity: Error, Kind: KindErrorResponse, Message: text, ServerCode: code}
}

// NewRedirect builds the OkRedirect success carried back when
// redirect_as_answer is set, instead of following the redirect.
func NewRedirect(host string, port int, cgi string) *Status {
	return &Status{
		Severity:     OkRedirect,
		Kind:         KindNone,
		Message:      fmt.Sprintf("redirect to %s:%d", host, port),
		RedirectHost: host,
		RedirectPort: port,
		RedirectCGI:  cgi,
	}
}

// NewPartial builds the OkPartial success carried back by aggregated operations.
func NewPartial(message string) *Status {
	return &Status{Severity: OkPartial, Kind: KindNone, Message: message}
}

// Server error numbers from the wire protocol that the per-request handler
// treats as recoverable through the remembered load balancer.
const (
	ServerErrFSError    int32 = 3006
	ServerErrIOError    int32 = 3007
	ServerErrServerError int32 = 3008
	ServerErrNotFound   int32 = 3011
)

// IsRecoverableServerCode reports whether a server-reported error code is one
// of FSError, IOError, ServerError, NotFound.
func IsRecoverableServerCode(code int32) bool {
	switch code {
	case ServerErrFSError, ServerErrIOError, ServerErrServerError, ServerErrNotFound:
		return true
	default:
		return false
	}
}
