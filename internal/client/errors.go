package client

import "fmt"

// ErrorKind classifies why an operation failed.
type ErrorKind int

const (
	NoError ErrorKind = iota
	UnknownError
	HostNotFound
	ConnectionRefused
	UnexpectedClose
	InvalidResponseHeader
	WrongContentLength
	Aborted
	AuthenticationRequired
	ProxyAuthenticationRequired
)

// String returns the string representation of the ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "NoError"
	case UnknownError:
		return "UnknownError"
	case HostNotFound:
		return "HostNotFound"
	case ConnectionRefused:
		return "ConnectionRefused"
	case UnexpectedClose:
		return "UnexpectedClose"
	case InvalidResponseHeader:
		return "InvalidResponseHeader"
	case WrongContentLength:
		return "WrongContentLength"
	case Aborted:
		return "Aborted"
	case AuthenticationRequired:
		return "AuthenticationRequired"
	case ProxyAuthenticationRequired:
		return "ProxyAuthenticationRequired"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the failure recorded for the operation at the head of the queue.
type Error struct {
	Kind  ErrorKind
	Msg   string
	Cause error // Optional underlying transport error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s", e.Msg, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Msg, e.Kind)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// NewErrorWithCause creates a new Error with an underlying cause.
func NewErrorWithCause(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Messages reported for the fixed failure cases.
const (
	msgUnknown            = "Unknown error"
	msgAborted            = "Request aborted"
	msgNoServer           = "No server set to connect to"
	msgRefused            = "Connection refused (or timed out)"
	msgHostNotFound       = "Host %s not found"
	msgRequestFailed      = "HTTP request failed"
	msgInvalidHeader      = "Invalid HTTP response header"
	msgInvalidChunk       = "Invalid HTTP chunked body"
	msgWrongLength        = "Wrong content length"
	msgUnexpectedClose    = "Server closed connection unexpectedly"
	msgWriteDevice        = "Error writing response to device"
	msgUnknownAuth        = "Unknown authentication method"
	msgAuthRequired       = "Authentication required"
	msgProxyAuthRequired  = "Proxy authentication required"
	msgReadSourceDevice   = "Error reading request body from device"
	msgInvalidHeaderField = "Invalid request header field %q"
)
