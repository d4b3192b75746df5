// Package transport defines the byte-stream connection the client drives and
// a TCP/TLS implementation of it. Implementations deliver every event through
// an eventloop.Scheduler so handlers always run on the loop goroutine.
package transport

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// State is the lifecycle state of a transport.
type State int

const (
	StateUnconnected State = iota
	StateHostLookup
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "Unconnected"
	case StateHostLookup:
		return "HostLookup"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SocketError classifies transport failures.
type SocketError int

const (
	UnknownSocketError SocketError = iota
	ConnectionRefusedError
	RemoteHostClosedError
	HostNotFoundError
	SocketTimeoutError
	ProxyAuthenticationRequiredError
	ProxyConnectionError
	TLSHandshakeFailedError
)

func (e SocketError) String() string {
	switch e {
	case ConnectionRefusedError:
		return "ConnectionRefused"
	case RemoteHostClosedError:
		return "RemoteHostClosed"
	case HostNotFoundError:
		return "HostNotFound"
	case SocketTimeoutError:
		return "SocketTimeout"
	case ProxyAuthenticationRequiredError:
		return "ProxyAuthenticationRequired"
	case ProxyConnectionError:
		return "ProxyConnection"
	case TLSHandshakeFailedError:
		return "TLSHandshakeFailed"
	default:
		return "UnknownSocketError"
	}
}

// Handler receives transport events on the loop goroutine. Nil fields are
// skipped. Handlers may call back into the transport, including Abort.
type Handler struct {
	HostFound    func()
	Connected    func()
	Disconnected func()
	ReadyRead    func()
	BytesWritten func(n int64)
	Error        func(kind SocketError, err error)
	// TLSErrors reports certificate verification failures. The connection
	// proceeds only if IgnoreTLSErrors is called from inside the handler.
	TLSErrors func(errs []error)
}

// Transport is a single reusable byte-stream connection. All methods must be
// called on the loop goroutine.
type Transport interface {
	SetHandler(h Handler)
	SetProxy(p Proxy)

	ConnectToHost(host string, port uint16)
	ConnectToHostEncrypted(host string, port uint16)

	// Write queues p; BytesWritten reports progress.
	Write(p []byte) int64
	// BytesToWrite returns the number of queued bytes not yet written.
	BytesToWrite() int64

	BytesAvailable() int64
	CanReadLine() bool
	// ReadLine returns the next line including its "\n", or nil.
	ReadLine() []byte
	Read(p []byte) int
	ReadAll() []byte

	// Abort drops the connection immediately and emits no events.
	Abort()
	// Close flushes queued writes, closes, and then emits Disconnected.
	Close()

	IsOpen() bool
	State() State
	PeerName() string
	PeerPort() uint16
	IsEncrypted() bool
	IgnoreTLSErrors()
	ErrorString() string
}

// ProxyType selects the kind of proxy.
type ProxyType int

const (
	NoProxy ProxyType = iota
	// HTTPProxy tunnels HTTPS through CONNECT and forwards plain HTTP as a caching proxy.
	HTTPProxy
	// HTTPCachingProxy always receives absolute-URI requests.
	HTTPCachingProxy
	Socks5Proxy
	// EnvironmentProxy is resolved from HTTP_PROXY, HTTPS_PROXY and NO_PROXY at send time.
	EnvironmentProxy
)

func (t ProxyType) String() string {
	switch t {
	case NoProxy:
		return "none"
	case HTTPProxy:
		return "http"
	case HTTPCachingProxy:
		return "caching"
	case Socks5Proxy:
		return "socks5"
	case EnvironmentProxy:
		return "environment"
	default:
		return fmt.Sprintf("ProxyType(%d)", int(t))
	}
}

// Proxy describes a proxy server and its credentials.
type Proxy struct {
	Type     ProxyType
	Host     string
	Port     uint16
	User     string
	Password string
}

// IsTransparent reports whether the transport itself tunnels through p.
// tls is whether the origin connection is encrypted.
func (p Proxy) IsTransparent(tls bool) bool {
	switch p.Type {
	case Socks5Proxy:
		return p.Host != ""
	case HTTPProxy:
		return tls && p.Host != ""
	}
	return false
}

// IsCaching reports whether requests must be rewritten to absolute URIs and
// sent to the proxy.
func (p Proxy) IsCaching(tls bool) bool {
	switch p.Type {
	case HTTPCachingProxy:
		return p.Host != ""
	case HTTPProxy:
		return !tls && p.Host != ""
	}
	return false
}

// ProxyFromURL builds a Proxy from a URL such as "http://user:pw@host:3128"
// or "socks5://host:1080".
func ProxyFromURL(u *url.URL) (Proxy, error) {
	var p Proxy
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "":
		p.Type = HTTPProxy
	case "socks5", "socks5h":
		p.Type = Socks5Proxy
	default:
		return Proxy{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	p.Host = u.Hostname()
	if p.Host == "" {
		return Proxy{}, fmt.Errorf("proxy URL %q has no host", u.String())
	}
	if ps := u.Port(); ps != "" {
		n, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return Proxy{}, fmt.Errorf("invalid proxy port %q: %w", ps, err)
		}
		p.Port = uint16(n)
	} else if p.Type == Socks5Proxy {
		p.Port = 1080
	} else {
		p.Port = 8080
	}
	if u.User != nil {
		p.User = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}
