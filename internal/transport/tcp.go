package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"sync"
	"time"

	"example.com/asynchttp/internal/eventloop"
	"example.com/asynchttp/internal/logger"
	"example.com/asynchttp/internal/util"
)

// Option configures a TCPTransport.
type Option func(*TCPTransport)

// WithTLSConfig sets the base TLS configuration for encrypted connections.
// Verification is always performed by the transport so failures can be
// reported through Handler.TLSErrors.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *TCPTransport) { t.tlsConfig = cfg }
}

// WithDialTimeout bounds name resolution, dialing, proxy negotiation and the
// TLS handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *TCPTransport) { t.dialTimeout = d }
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(lg *logger.Logger) Option {
	return func(t *TCPTransport) { t.log = lg }
}

// TCPTransport is a Transport over net.Conn. Dialing, reading and writing
// happen on helper goroutines; their results are posted to the scheduler and
// tagged with a connection generation so events from an aborted connection
// are dropped.
type TCPTransport struct {
	sched       eventloop.Scheduler
	log         *logger.Logger
	tlsConfig   *tls.Config
	dialTimeout time.Duration

	handler Handler
	proxy   Proxy

	gen        uint64
	state      State
	conn       net.Conn
	cancelDial context.CancelFunc
	writer     *connWriter

	peerName  string
	peerPort  uint16
	encrypted bool
	ignoreTLS bool
	lastErr   error

	rbuf    bytes.Buffer
	pending int64
}

// NewTCP creates an unconnected transport that posts events to sched.
func NewTCP(sched eventloop.Scheduler, opts ...Option) *TCPTransport {
	t := &TCPTransport{
		sched:       sched,
		log:         logger.Nop(),
		dialTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *TCPTransport) SetHandler(h Handler) { t.handler = h }
func (t *TCPTransport) SetProxy(p Proxy)     { t.proxy = p }

func (t *TCPTransport) State() State      { return t.state }
func (t *TCPTransport) PeerName() string  { return t.peerName }
func (t *TCPTransport) PeerPort() uint16  { return t.peerPort }
func (t *TCPTransport) IsEncrypted() bool { return t.encrypted }
func (t *TCPTransport) IgnoreTLSErrors()  { t.ignoreTLS = true }

func (t *TCPTransport) IsOpen() bool {
	return t.conn != nil && (t.state == StateConnected || t.state == StateClosing)
}

func (t *TCPTransport) ErrorString() string {
	if t.lastErr == nil {
		return "Unknown error"
	}
	return t.lastErr.Error()
}

// ConnectToHost implements Transport.
func (t *TCPTransport) ConnectToHost(host string, port uint16) {
	t.connect(host, port, false)
}

// ConnectToHostEncrypted implements Transport.
func (t *TCPTransport) ConnectToHostEncrypted(host string, port uint16) {
	t.connect(host, port, true)
}

func (t *TCPTransport) connect(host string, port uint16, secure bool) {
	t.Abort()
	t.gen++
	gen := t.gen
	t.state = StateHostLookup
	t.peerName, t.peerPort = host, port
	t.ignoreTLS = false
	t.lastErr = nil

	ctx, cancel := context.WithTimeout(context.Background(), t.dialTimeout)
	t.cancelDial = cancel

	d := &dialer{
		proxy:     t.proxy,
		timeout:   t.dialTimeout,
		hostFound: func() { t.post(gen, t.onHostFound) },
	}
	tlsCfg := t.clientTLSConfig(host)

	t.log.Debug("Connecting", logger.LogFields{"host": host, "port": port, "tls": secure, "proxy": t.proxy.Type.String()})
	go func() {
		defer cancel()
		conn, err := d.dial(ctx, host, port)
		if err != nil {
			t.post(gen, func() { t.fail(classify(err), err) })
			return
		}
		var verifyErrs []error
		if secure {
			var tc *tls.Conn
			tc, verifyErrs, err = handshake(ctx, conn, tlsCfg)
			if err != nil {
				conn.Close()
				t.post(gen, func() { t.fail(TLSHandshakeFailedError, err) })
				return
			}
			conn = tc
		}
		t.sched.Post(func() {
			if t.gen != gen {
				conn.Close()
				return
			}
			t.established(gen, conn, secure, verifyErrs)
		})
	}()
}

func (t *TCPTransport) onHostFound() {
	if t.state == StateHostLookup {
		t.state = StateConnecting
		if t.handler.HostFound != nil {
			t.handler.HostFound()
		}
	}
}

func (t *TCPTransport) established(gen uint64, conn net.Conn, secure bool, verifyErrs []error) {
	t.cancelDial = nil
	if len(verifyErrs) > 0 {
		if t.handler.TLSErrors != nil {
			t.handler.TLSErrors(verifyErrs)
		}
		if t.gen != gen {
			conn.Close()
			return
		}
		if !t.ignoreTLS {
			conn.Close()
			t.fail(TLSHandshakeFailedError, verifyErrs[0])
			return
		}
	}

	t.conn = conn
	t.encrypted = secure
	t.state = StateConnected
	t.writer = newConnWriter()
	go t.readLoop(gen, conn)
	go t.writeLoop(gen, conn, t.writer)

	if t.handler.Connected != nil {
		t.handler.Connected()
	}
}

// post runs fn on the loop if the connection generation is still current.
func (t *TCPTransport) post(gen uint64, fn func()) {
	t.sched.Post(func() {
		if t.gen == gen {
			fn()
		}
	})
}

// fail reports err and tears the connection down. A connection that was open
// also reports Disconnected.
func (t *TCPTransport) fail(kind SocketError, err error) {
	gen := t.gen
	wasOpen := t.conn != nil
	t.lastErr = err
	t.log.Debug("Transport error", logger.LogFields{"kind": kind.String(), "error": err.Error()})
	if t.handler.Error != nil {
		t.handler.Error(kind, err)
	}
	if t.gen != gen {
		return
	}
	t.teardown()
	if wasOpen && t.handler.Disconnected != nil {
		t.handler.Disconnected()
	}
}

func (t *TCPTransport) closed() {
	t.teardown()
	if t.handler.Disconnected != nil {
		t.handler.Disconnected()
	}
}

func (t *TCPTransport) teardown() {
	t.gen++
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	if t.writer != nil {
		t.writer.stop()
		t.writer = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.state = StateUnconnected
	t.pending = 0
}

func (t *TCPTransport) readLoop(gen uint64, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			t.post(gen, func() {
				t.rbuf.Write(data)
				if t.handler.ReadyRead != nil {
					t.handler.ReadyRead()
				}
			})
		}
		if err != nil {
			if util.IsClosed(err) {
				t.post(gen, t.closed)
			} else {
				t.post(gen, func() { t.fail(classify(err), err) })
			}
			return
		}
	}
}

func (t *TCPTransport) writeLoop(gen uint64, conn net.Conn, w *connWriter) {
	for {
		p, closing, ok := w.next()
		if !ok {
			return
		}
		if closing {
			// The read loop sees net.ErrClosed and reports Disconnected.
			conn.Close()
			return
		}
		n, err := conn.Write(p)
		if n > 0 {
			written := int64(n)
			t.post(gen, func() {
				t.pending -= written
				if t.handler.BytesWritten != nil {
					t.handler.BytesWritten(written)
				}
			})
		}
		if err != nil {
			t.post(gen, func() { t.fail(classify(err), err) })
			return
		}
	}
}

// Write implements Transport.
func (t *TCPTransport) Write(p []byte) int64 {
	if t.writer == nil || len(p) == 0 {
		return 0
	}
	t.pending += int64(len(p))
	t.writer.enqueue(append([]byte(nil), p...))
	return int64(len(p))
}

func (t *TCPTransport) BytesToWrite() int64   { return t.pending }
func (t *TCPTransport) BytesAvailable() int64 { return int64(t.rbuf.Len()) }

func (t *TCPTransport) CanReadLine() bool {
	return bytes.IndexByte(t.rbuf.Bytes(), '\n') >= 0
}

func (t *TCPTransport) ReadLine() []byte {
	i := bytes.IndexByte(t.rbuf.Bytes(), '\n')
	if i < 0 {
		return nil
	}
	return append([]byte(nil), t.rbuf.Next(i+1)...)
}

func (t *TCPTransport) Read(p []byte) int {
	n, _ := t.rbuf.Read(p)
	return n
}

func (t *TCPTransport) ReadAll() []byte {
	out := append([]byte(nil), t.rbuf.Bytes()...)
	t.rbuf.Reset()
	return out
}

// Abort implements Transport.
func (t *TCPTransport) Abort() {
	t.teardown()
	t.rbuf.Reset()
}

// Close implements Transport. The Disconnected event follows once queued
// writes are flushed and the connection is down.
func (t *TCPTransport) Close() {
	switch {
	case t.conn == nil && t.state == StateUnconnected:
		return
	case t.conn == nil:
		// Still dialing.
		t.teardown()
		if t.handler.Disconnected != nil {
			gen := t.gen
			t.post(gen, t.handler.Disconnected)
		}
		return
	}
	t.state = StateClosing
	t.writer.closeWhenDrained()
}

// clientTLSConfig returns a config that skips the library's verification so
// the transport can verify and report errors itself.
func (t *TCPTransport) clientTLSConfig(host string) *tls.Config {
	var cfg *tls.Config
	if t.tlsConfig != nil {
		cfg = t.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}

// handshake runs the TLS client handshake and verifies the peer chain.
// Verification failures are returned separately from handshake errors.
func handshake(ctx context.Context, conn net.Conn, cfg *tls.Config) (*tls.Conn, []error, error) {
	skipVerify := cfg.InsecureSkipVerify
	hs := cfg.Clone()
	hs.InsecureSkipVerify = true

	tc := tls.Client(conn, hs)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, nil, err
	}
	if skipVerify {
		return tc, nil, nil
	}

	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return tc, []error{errors.New("tls: server presented no certificates")}, nil
	}
	opts := x509.VerifyOptions{
		Roots:         cfg.RootCAs,
		DNSName:       cfg.ServerName,
		Intermediates: x509.NewCertPool(),
	}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return tc, []error{err}, nil
	}
	return tc, nil, nil
}

func classify(err error) SocketError {
	var pe *proxyError
	switch {
	case errors.As(err, &pe):
		return pe.kind
	case util.IsHostNotFound(err):
		return HostNotFoundError
	case util.IsConnectionRefused(err):
		return ConnectionRefusedError
	case util.IsConnectionReset(err):
		return RemoteHostClosedError
	case util.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return SocketTimeoutError
	}
	return UnknownSocketError
}

// connWriter is an unbounded write queue drained by the write loop.
type connWriter struct {
	mu      sync.Mutex
	queue   [][]byte
	closing bool
	stopped bool
	wake    chan struct{}
}

func newConnWriter() *connWriter {
	return &connWriter{wake: make(chan struct{}, 1)}
}

func (w *connWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *connWriter) enqueue(p []byte) {
	w.mu.Lock()
	w.queue = append(w.queue, p)
	w.mu.Unlock()
	w.signal()
}

func (w *connWriter) closeWhenDrained() {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()
	w.signal()
}

func (w *connWriter) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.signal()
}

// next blocks until there is data to write, the queue is drained after
// closeWhenDrained (closing=true), or the writer is stopped (ok=false).
func (w *connWriter) next() (p []byte, closing bool, ok bool) {
	for {
		w.mu.Lock()
		switch {
		case w.stopped:
			w.mu.Unlock()
			return nil, false, false
		case len(w.queue) > 0:
			p = w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return p, false, true
		case w.closing:
			w.mu.Unlock()
			return nil, true, true
		}
		w.mu.Unlock()
		<-w.wake
	}
}
