package client

import (
	"io"
	"sync/atomic"

	"example.com/asynchttp/internal/header"
	"example.com/asynchttp/internal/transport"
	"example.com/asynchttp/internal/util"
)

var lastOperationID atomic.Int64

func nextOperationID() int {
	return int(lastOperationID.Add(1))
}

// operation is one queued command. The set of implementations is closed.
type operation interface {
	base() *opBase
	start(c *Client)
}

type opBase struct {
	id       int
	finished bool
}

func (b *opBase) base() *opBase { return b }

// requestOp sends a request and receives its response.
type requestOp struct {
	opBase
	header header.RequestHeader
	data   []byte
	isData bool
	source io.ReadSeeker
	sink   io.Writer
}

func (op *requestOp) request() *requestOp { return op }

func (op *requestOp) start(c *Client) {
	if c.socket == nil {
		c.setSocket(nil)
	}
	c.header = op.header.Clone()
	c.buffer = nil
	c.source = nil
	c.sourceSize = 0

	if err := validateRequestHeader(&c.header); err != nil {
		c.finishedWithError(err.Msg, err.Kind)
		return
	}

	switch {
	case op.isData:
		c.buffer = op.data
		c.header.SetContentLength(int64(len(op.data)))
	case op.source != nil:
		size, err := sourceSize(op.source)
		if err != nil {
			c.failWithCause(UnknownError, msgReadSourceDevice, err)
			return
		}
		c.source = op.source
		c.sourceSize = size
		c.header.SetContentLength(size)
	}
	c.sink = op.sink
	c.received = 0
	c.reconnectAttempts = c.maxReconnectAttempts
	c.startedAt = c.now()
	c.sendRequest()
}

// hostRequestOp is a requestOp built by the Get/Post/Head helpers; it fills
// in the Host field from the current target.
type hostRequestOp struct {
	requestOp
}

func (op *hostRequestOp) start(c *Client) {
	host := c.hostName
	if c.port != 0 && c.port != util.DefaultPort(c.mode == ModeHTTPS) {
		host = util.HostPort(c.hostName, c.port)
	}
	op.header.SetValue("Host", host)
	op.requestOp.start(c)
}

type setHostOp struct {
	opBase
	host string
	port uint16
	mode ConnectionMode
}

func (op *setHostOp) start(c *Client) {
	c.hostName = op.host
	c.port = op.port
	if c.port == 0 {
		c.port = util.DefaultPort(op.mode == ModeHTTPS)
	}
	c.mode = op.mode
	c.finishedWithSuccess()
}

type setUserOp struct {
	opBase
	user     string
	password string
}

func (op *setUserOp) start(c *Client) {
	c.auth.SetUser(op.user)
	c.auth.SetPassword(op.password)
	c.finishedWithSuccess()
}

type setProxyOp struct {
	opBase
	proxy transport.Proxy
}

func (op *setProxyOp) start(c *Client) {
	c.proxy = op.proxy
	c.proxyAuth.Reset()
	if op.proxy.User != "" {
		c.proxyAuth.SetUser(op.proxy.User)
	}
	if op.proxy.Password != "" {
		c.proxyAuth.SetPassword(op.proxy.Password)
	}
	c.finishedWithSuccess()
}

type setSocketOp struct {
	opBase
	socket transport.Transport
}

func (op *setSocketOp) start(c *Client) {
	c.setSocket(op.socket)
	c.finishedWithSuccess()
}

type closeOp struct {
	opBase
}

func (op *closeOp) start(c *Client) {
	if c.state == Unconnected || c.state == Closing {
		c.finishedWithSuccess()
		return
	}
	c.closeConn()
}

// sourceSize returns the total size of r. The body is always sent from
// offset 0.
func sourceSize(r io.ReadSeeker) (int64, error) {
	end, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}
