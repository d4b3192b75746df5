package util

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// IsConnectionRefused checks if the error indicates the peer refused the connection.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && sysErr.Err == syscall.ECONNREFUSED {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	// Go's net package wraps these in *net.OpError; the message is the fallback.
	return strings.Contains(strings.ToLower(err.Error()), "connection refused")
}

// IsConnectionReset checks if the error indicates the peer reset or abandoned
// an established connection.
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}

// IsHostNotFound checks if the error is a name resolution failure.
func IsHostNotFound(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound || !dnsErr.IsTimeout
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such host")
}

// IsTimeout checks if the error is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed checks if the error only reports an orderly end of the connection:
// EOF from the peer or a read on a connection this side already closed.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// DefaultPort returns the well-known port for plain or TLS HTTP.
func DefaultPort(secure bool) uint16 {
	if secure {
		return 443
	}
	return 80
}

// HostPort joins host and port, bracketing IPv6 literals.
func HostPort(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// IsIPLiteral reports whether host is a literal IP address (no lookup needed).
func IsIPLiteral(host string) bool {
	return net.ParseIP(strings.Trim(host, "[]")) != nil
}
