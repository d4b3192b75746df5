package testutil

import (
	"bytes"
	"errors"
	"fmt"

	"example.com/asynchttp/internal/eventloop"
	"example.com/asynchttp/internal/transport"
)

// ConnectCall records one ConnectToHost/ConnectToHostEncrypted call.
type ConnectCall struct {
	Host      string
	Port      uint16
	Encrypted bool
	Proxy     transport.Proxy
}

func (c ConnectCall) String() string {
	return fmt.Sprintf("%s:%d tls=%v", c.Host, c.Port, c.Encrypted)
}

// FakeTransport is a scripted transport.Transport. Every event it raises is
// posted to the scheduler, so tests drive it with ManualLoop.RunPending.
type FakeTransport struct {
	sched   eventloop.Scheduler
	handler transport.Handler
	proxy   transport.Proxy

	gen       int
	state     transport.State
	peerName  string
	peerPort  uint16
	encrypted bool
	ignoreTLS bool

	rbuf    bytes.Buffer
	written bytes.Buffer
	pending int64

	// ConnectError, when set, makes the next connect fail with this kind.
	ConnectError *transport.SocketError
	// TLSErrors are reported on encrypted connects before Connected.
	TLSErrors []error
	// ManualConnect leaves connects pending until Accept is called.
	ManualConnect bool

	Connects []ConnectCall
	Aborts   int
	Closes   int
}

var _ transport.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns an unconnected fake posting to sched.
func NewFakeTransport(sched eventloop.Scheduler) *FakeTransport {
	return &FakeTransport{sched: sched}
}

func (f *FakeTransport) post(fn func()) {
	gen := f.gen
	f.sched.Post(func() {
		if f.gen == gen {
			fn()
		}
	})
}

func (f *FakeTransport) SetHandler(h transport.Handler) { f.handler = h }
func (f *FakeTransport) SetProxy(p transport.Proxy)     { f.proxy = p }
func (f *FakeTransport) Proxy() transport.Proxy         { return f.proxy }

func (f *FakeTransport) ConnectToHost(host string, port uint16) {
	f.connect(host, port, false)
}

func (f *FakeTransport) ConnectToHostEncrypted(host string, port uint16) {
	f.connect(host, port, true)
}

func (f *FakeTransport) connect(host string, port uint16, secure bool) {
	f.teardown()
	f.Connects = append(f.Connects, ConnectCall{Host: host, Port: port, Encrypted: secure, Proxy: f.proxy})
	f.state = transport.StateHostLookup
	f.peerName, f.peerPort = host, port
	f.encrypted = false
	f.ignoreTLS = false

	if f.ConnectError != nil {
		kind := *f.ConnectError
		f.ConnectError = nil
		f.post(func() {
			f.teardown()
			if f.handler.Error != nil {
				f.handler.Error(kind, errors.New(kind.String()))
			}
		})
		return
	}
	f.post(func() {
		f.state = transport.StateConnecting
		if f.handler.HostFound != nil {
			f.handler.HostFound()
		}
	})
	if !f.ManualConnect {
		f.post(func() { f.establish(secure) })
	}
}

// Accept completes a pending connect when ManualConnect is set.
func (f *FakeTransport) Accept() {
	secure := len(f.Connects) > 0 && f.Connects[len(f.Connects)-1].Encrypted
	f.post(func() { f.establish(secure) })
}

func (f *FakeTransport) establish(secure bool) {
	if secure && len(f.TLSErrors) > 0 {
		if f.handler.TLSErrors != nil {
			f.handler.TLSErrors(f.TLSErrors)
		}
		if !f.ignoreTLS {
			f.teardown()
			if f.handler.Error != nil {
				f.handler.Error(transport.TLSHandshakeFailedError, f.TLSErrors[0])
			}
			return
		}
	}
	f.state = transport.StateConnected
	f.encrypted = secure
	if f.handler.Connected != nil {
		f.handler.Connected()
	}
}

// Feed delivers data from the peer.
func (f *FakeTransport) Feed(data string) {
	f.post(func() {
		f.rbuf.WriteString(data)
		if f.handler.ReadyRead != nil {
			f.handler.ReadyRead()
		}
	})
}

// RemoteClose simulates the peer closing the connection cleanly.
func (f *FakeTransport) RemoteClose() {
	f.post(func() {
		f.teardown()
		if f.handler.Disconnected != nil {
			f.handler.Disconnected()
		}
	})
}

// RemoteReset simulates a connection reset: an error followed by Disconnected.
func (f *FakeTransport) RemoteReset() {
	f.post(func() {
		gen := f.gen
		if f.handler.Error != nil {
			f.handler.Error(transport.RemoteHostClosedError, errors.New("connection reset by peer"))
		}
		if f.gen != gen {
			return
		}
		f.teardown()
		if f.handler.Disconnected != nil {
			f.handler.Disconnected()
		}
	})
}

// Written returns everything written since the last TakeWritten.
func (f *FakeTransport) Written() string {
	return f.written.String()
}

// TakeWritten returns and clears the written bytes.
func (f *FakeTransport) TakeWritten() string {
	s := f.written.String()
	f.written.Reset()
	return s
}

func (f *FakeTransport) Write(p []byte) int64 {
	if f.state != transport.StateConnected || len(p) == 0 {
		return 0
	}
	n := int64(len(p))
	f.written.Write(p)
	f.pending += n
	f.post(func() {
		f.pending -= n
		if f.handler.BytesWritten != nil {
			f.handler.BytesWritten(n)
		}
	})
	return n
}

func (f *FakeTransport) BytesToWrite() int64   { return f.pending }
func (f *FakeTransport) BytesAvailable() int64 { return int64(f.rbuf.Len()) }

func (f *FakeTransport) CanReadLine() bool {
	return bytes.IndexByte(f.rbuf.Bytes(), '\n') >= 0
}

func (f *FakeTransport) ReadLine() []byte {
	i := bytes.IndexByte(f.rbuf.Bytes(), '\n')
	if i < 0 {
		return nil
	}
	return append([]byte(nil), f.rbuf.Next(i+1)...)
}

func (f *FakeTransport) Read(p []byte) int {
	n, _ := f.rbuf.Read(p)
	return n
}

func (f *FakeTransport) ReadAll() []byte {
	out := append([]byte(nil), f.rbuf.Bytes()...)
	f.rbuf.Reset()
	return out
}

func (f *FakeTransport) teardown() {
	f.gen++
	f.state = transport.StateUnconnected
	f.pending = 0
}

func (f *FakeTransport) Abort() {
	f.Aborts++
	f.teardown()
	f.rbuf.Reset()
}

func (f *FakeTransport) Close() {
	if f.state == transport.StateUnconnected {
		return
	}
	f.Closes++
	f.state = transport.StateClosing
	f.post(func() {
		f.teardown()
		if f.handler.Disconnected != nil {
			f.handler.Disconnected()
		}
	})
}

func (f *FakeTransport) IsOpen() bool {
	return f.state == transport.StateConnected || f.state == transport.StateClosing
}

func (f *FakeTransport) State() transport.State { return f.state }
func (f *FakeTransport) PeerName() string       { return f.peerName }
func (f *FakeTransport) PeerPort() uint16       { return f.peerPort }
func (f *FakeTransport) IsEncrypted() bool      { return f.encrypted }
func (f *FakeTransport) IgnoreTLSErrors()       { f.ignoreTLS = true }
func (f *FakeTransport) ErrorString() string    { return "fake transport error" }
