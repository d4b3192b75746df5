// Package client implements an asynchronous HTTP/1.x client. A Client owns
// one connection and a FIFO of operations; each request is sent only after
// the previous operation finished, and results are reported through Events.
//
// A Client is not safe for concurrent use: every method must be called on the
// goroutine running its eventloop.Scheduler, which is also where all events
// are delivered.
package client

import (
	"bytes"
	"crypto/tls"
	"io"
	"time"

	"golang.org/x/net/idna"

	"example.com/asynchttp/internal/auth"
	"example.com/asynchttp/internal/config"
	"example.com/asynchttp/internal/eventloop"
	"example.com/asynchttp/internal/header"
	"example.com/asynchttp/internal/logger"
	"example.com/asynchttp/internal/transport"
)

// Defaults for the tunable limits.
const (
	DefaultContinueTimeout   = 2 * time.Second
	DefaultReconnectAttempts = 2
	DefaultUploadChunkSize   = 4096
)

// TransportFactory creates the transport a Client uses when none was set
// with SetSocket.
type TransportFactory func(sched eventloop.Scheduler) transport.Transport

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger for diagnostics and the transfer log.
func WithLogger(lg *logger.Logger) Option {
	return func(c *Client) { c.log = lg }
}

// WithEvents sets the event callbacks.
func WithEvents(ev Events) Option {
	return func(c *Client) { c.events = ev }
}

// WithContinueTimeout sets how long to wait for "100 Continue" before
// sending a body announced with "Expect: 100-continue".
func WithContinueTimeout(d time.Duration) Option {
	return func(c *Client) { c.continueTimeout = d }
}

// WithReconnectAttempts sets how often a request is resent after the
// connection was reset while sending it.
func WithReconnectAttempts(n int) Option {
	return func(c *Client) { c.maxReconnectAttempts = n }
}

// WithUploadChunkSize sets the size of reads from a request body source.
func WithUploadChunkSize(n int) Option {
	return func(c *Client) { c.uploadChunkSize = n }
}

// WithTransportFactory replaces the default TCP transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Client) { c.newTransport = f }
}

// WithTLSConfig sets the TLS configuration of the default TCP transport.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithDialTimeout bounds connection setup for the default TCP transport.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithConfig applies the client section of a loaded configuration.
func WithConfig(cfg *config.ClientConfig) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		if cfg.ContinueTimeout != nil {
			c.continueTimeout = cfg.ContinueTimeout.Value()
		}
		if cfg.DialTimeout != nil {
			c.dialTimeout = cfg.DialTimeout.Value()
		}
		if cfg.ReconnectAttempts != nil {
			c.maxReconnectAttempts = *cfg.ReconnectAttempts
		}
		if cfg.UploadChunkSize != nil {
			c.uploadChunkSize = *cfg.UploadChunkSize
		}
	}
}

// Client is an asynchronous HTTP/1.x client bound to one connection.
type Client struct {
	sched  eventloop.Scheduler
	log    *logger.Logger
	events Events
	now    func() time.Time

	newTransport         TransportFactory
	tlsConfig            *tls.Config
	dialTimeout          time.Duration
	continueTimeout      time.Duration
	maxReconnectAttempts int
	uploadChunkSize      int

	socket     transport.Transport
	ownsSocket bool

	pending []operation

	state  State
	err    ErrorKind
	errMsg string
	cause  error

	hostName string
	port     uint16
	mode     ConnectionMode

	// Outgoing request of the head operation.
	header     header.RequestHeader
	buffer     []byte
	source     io.ReadSeeker
	sourceSize int64
	// postDevice is the source while its bytes are still being streamed.
	postDevice io.ReadSeeker
	postSent   int64
	sink       io.Writer

	bytesDone  int64
	bytesTotal int64
	// received counts body bytes of the current response for the transfer log.
	received int64

	readHeader    bool
	headerText    bytes.Buffer
	response      header.ResponseHeader
	decoder       bodyDecoder
	rba           bytes.Buffer
	repost        bool
	pendingPost   bool
	continueTimer eventloop.Timer

	reconnectAttempts    int
	hasFinishedWithError bool
	startedAt            time.Time

	proxy       transport.Proxy
	activeProxy transport.Proxy
	proxyAuth   auth.Authenticator
	auth        auth.Authenticator
}

// New creates an unconnected Client that runs on sched.
func New(sched eventloop.Scheduler, opts ...Option) *Client {
	c := &Client{
		sched:                sched,
		log:                  logger.Nop(),
		now:                  time.Now,
		continueTimeout:      DefaultContinueTimeout,
		maxReconnectAttempts: DefaultReconnectAttempts,
		uploadChunkSize:      DefaultUploadChunkSize,
		errMsg:               msgUnknown,
		mode:                 ModeHTTP,
		port:                 80,
	}
	for _, o := range opts {
		o(c)
	}
	if c.newTransport == nil {
		c.newTransport = c.defaultTransport
	}
	return c
}

func (c *Client) defaultTransport(sched eventloop.Scheduler) transport.Transport {
	opts := []transport.Option{transport.WithLogger(c.log), transport.WithTLSConfig(c.tlsConfig)}
	if c.dialTimeout > 0 {
		opts = append(opts, transport.WithDialTimeout(c.dialTimeout))
	}
	return transport.NewTCP(sched, opts...)
}

// SetEvents replaces the event callbacks.
func (c *Client) SetEvents(ev Events) {
	c.events = ev
}

// SetHost queues a change of target server using plain HTTP. Port 0 means 80.
func (c *Client) SetHost(host string, port uint16) int {
	return c.SetHostMode(host, ModeHTTP, port)
}

// SetHostMode queues a change of target server. Port 0 selects the default
// port for mode. Internationalized names are converted to their ASCII form.
func (c *Client) SetHostMode(host string, mode ConnectionMode, port uint16) int {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}
	return c.addRequest(&setHostOp{host: host, port: port, mode: mode})
}

// SetSocket queues replacing the transport. A nil transport makes the client
// create and own a default one.
func (c *Client) SetSocket(s transport.Transport) int {
	return c.addRequest(&setSocketOp{socket: s})
}

// SetUser queues setting the origin server credentials.
func (c *Client) SetUser(user, password string) int {
	return c.addRequest(&setUserOp{user: user, password: password})
}

// SetProxy queues using an HTTP proxy at host:port.
func (c *Client) SetProxy(host string, port uint16, user, password string) int {
	return c.SetProxyConfig(transport.Proxy{Type: transport.HTTPProxy, Host: host, Port: port, User: user, Password: password})
}

// SetProxyConfig queues using p for subsequent requests.
func (c *Client) SetProxyConfig(p transport.Proxy) int {
	return c.addRequest(&setProxyOp{proxy: p})
}

// Get queues a GET of path. The body goes to to, or to the read buffer when
// to is nil.
func (c *Client) Get(path string, to io.Writer) int {
	h := header.NewRequest("GET", path)
	h.SetValue("Connection", "Keep-Alive")
	return c.addRequest(&hostRequestOp{requestOp{header: h, sink: to}})
}

// Post queues a POST of path with the contents of data (may be nil).
func (c *Client) Post(path string, data io.ReadSeeker, to io.Writer) int {
	h := header.NewRequest("POST", path)
	h.SetValue("Connection", "Keep-Alive")
	return c.addRequest(&hostRequestOp{requestOp{header: h, source: data, sink: to}})
}

// PostBytes queues a POST of path with data as the body.
func (c *Client) PostBytes(path string, data []byte, to io.Writer) int {
	h := header.NewRequest("POST", path)
	h.SetValue("Connection", "Keep-Alive")
	return c.addRequest(&hostRequestOp{requestOp{header: h, data: data, isData: true, sink: to}})
}

// Head queues a HEAD of path.
func (c *Client) Head(path string) int {
	h := header.NewRequest("HEAD", path)
	h.SetValue("Connection", "Keep-Alive")
	return c.addRequest(&hostRequestOp{requestOp{header: h}})
}

// Request queues h as is, with an optional body source and destination.
func (c *Client) Request(h header.RequestHeader, data io.ReadSeeker, to io.Writer) int {
	return c.addRequest(&requestOp{header: h.Clone(), source: data, sink: to})
}

// RequestBytes queues h with data as the body. Content-Length is always set,
// even for an empty body.
func (c *Client) RequestBytes(h header.RequestHeader, data []byte, to io.Writer) int {
	return c.addRequest(&requestOp{header: h.Clone(), data: data, isData: true, sink: to})
}

// Close queues closing the connection after the preceding operations.
func (c *Client) Close() int {
	return c.addRequest(&closeOp{})
}

// CloseConnection is an alias for Close.
func (c *Client) CloseConnection() int {
	return c.Close()
}

// BytesAvailable returns the number of buffered body bytes.
func (c *Client) BytesAvailable() int64 {
	return int64(c.rba.Len())
}

// Read moves up to len(p) buffered body bytes into p.
func (c *Client) Read(p []byte) int {
	n, _ := c.rba.Read(p)
	c.bytesDone += int64(n)
	return n
}

// ReadAll returns and drains all buffered body bytes.
func (c *Client) ReadAll() []byte {
	out := append([]byte(nil), c.rba.Bytes()...)
	c.bytesDone += int64(len(out))
	c.rba.Reset()
	return out
}

// CurrentID returns the id of the executing operation, 0 if idle.
func (c *Client) CurrentID() int {
	if len(c.pending) == 0 {
		return 0
	}
	return c.pending[0].base().id
}

// CurrentRequest returns the request of the executing operation, or an
// invalid header if it is not a request.
func (c *Client) CurrentRequest() header.RequestHeader {
	if r := c.currentRequestOp(); r != nil {
		return r.header.Clone()
	}
	return header.RequestHeader{}
}

// CurrentSourceDevice returns the body source of the executing request.
func (c *Client) CurrentSourceDevice() io.ReadSeeker {
	if r := c.currentRequestOp(); r != nil {
		return r.source
	}
	return nil
}

// CurrentDestinationDevice returns the body destination of the executing request.
func (c *Client) CurrentDestinationDevice() io.Writer {
	if r := c.currentRequestOp(); r != nil {
		return r.sink
	}
	return nil
}

func (c *Client) currentRequestOp() *requestOp {
	if len(c.pending) == 0 {
		return nil
	}
	if r, ok := c.pending[0].(interface{ request() *requestOp }); ok {
		return r.request()
	}
	return nil
}

// LastResponse returns the most recently received response header.
func (c *Client) LastResponse() header.ResponseHeader {
	return c.response.Clone()
}

// HasPendingRequests reports whether operations are queued behind the current one.
func (c *Client) HasPendingRequests() bool {
	return len(c.pending) > 1
}

// ClearPendingRequests drops every queued operation except the executing one.
func (c *Client) ClearPendingRequests() {
	if len(c.pending) > 1 {
		for i := 1; i < len(c.pending); i++ {
			c.pending[i] = nil
		}
		c.pending = c.pending[:1]
	}
}

// State returns the connection state.
func (c *Client) State() State {
	return c.state
}

// Error returns the kind of the last failure.
func (c *Client) Error() ErrorKind {
	return c.err
}

// ErrorString returns the message of the last failure.
func (c *Client) ErrorString() string {
	return c.errMsg
}

// LastError returns the last failure as an error, nil if there is none.
func (c *Client) LastError() error {
	if c.err == NoError {
		return nil
	}
	return &Error{Kind: c.err, Msg: c.errMsg, Cause: c.cause}
}

// IgnoreTLSErrors lets the pending TLS connection proceed despite
// certificate errors. Call it from Events.TLSErrors.
func (c *Client) IgnoreTLSErrors() {
	if c.socket != nil {
		c.socket.IgnoreTLSErrors()
	}
}

// Shutdown aborts all work and releases an owned transport.
func (c *Client) Shutdown() {
	c.Abort()
	if c.socket != nil {
		c.socket.SetHandler(transport.Handler{})
		if c.ownsSocket {
			c.socket.Abort()
		}
		c.socket = nil
	}
}

func (c *Client) setSocket(s transport.Transport) {
	if c.socket != nil {
		c.socket.SetHandler(transport.Handler{})
		if c.ownsSocket {
			c.socket.Abort()
		}
	}
	c.ownsSocket = s == nil
	if s == nil {
		s = c.newTransport(c.sched)
	}
	c.socket = s
	c.socket.SetHandler(transport.Handler{
		HostFound:    c.slotHostFound,
		Connected:    c.slotConnected,
		Disconnected: c.slotClosed,
		ReadyRead:    c.slotReadyRead,
		BytesWritten: c.slotBytesWritten,
		Error:        c.slotError,
		TLSErrors:    c.slotTLSErrors,
	})
}
