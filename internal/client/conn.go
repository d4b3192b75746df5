package client

import (
	"errors"
	"fmt"
	"io"
	"net/url"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http/httpproxy"

	"example.com/asynchttp/internal/auth"
	"example.com/asynchttp/internal/header"
	"example.com/asynchttp/internal/logger"
	"example.com/asynchttp/internal/transport"
	"example.com/asynchttp/internal/util"
)

func (c *Client) setState(s State) {
	if c.log.DebugEnabled() {
		c.log.Debug("state changed", logger.LogFields{"from": c.state.String(), "to": s.String()})
	}
	c.state = s
	if c.events.StateChanged != nil {
		c.events.StateChanged(s)
	}
}

// sendRequest connects (or reuses the connection) and writes the current
// request.
func (c *Client) sendRequest() {
	if c.hostName == "" {
		c.finishedWithError(msgNoServer, UnknownError)
		return
	}

	connHost, connPort := c.hostName, c.port
	secure := c.mode == ModeHTTPS || c.socket.IsEncrypted()

	p := c.resolveProxy(secure)
	c.activeProxy = p
	if !secure && p.IsCaching(secure) {
		base := url.URL{Scheme: "http", Host: c.hostName}
		if c.port != 0 && c.port != 80 {
			base.Host = util.HostPort(c.hostName, c.port)
		}
		target := c.header.Path()
		if ref, err := url.Parse(target); err == nil {
			target = base.ResolveReference(ref).String()
		}
		c.header.SetRequest(c.header.Method(), target, c.header.MajorVersion(), c.header.MinorVersion())
		c.header.SetValue("Proxy-Connection", "keep-alive")
		if c.proxyAuth.Method() != auth.MethodNone {
			c.header.SetValue("Proxy-Authorization", c.proxyAuth.CalculateResponse(c.header.Method(), c.header.Path()))
		}
		connHost, connPort = p.Host, p.Port
	}

	if p.IsTransparent(secure) {
		p.User, p.Password = c.proxyAuth.User(), c.proxyAuth.Password()
		c.socket.SetProxy(p)
	} else {
		c.socket.SetProxy(transport.Proxy{})
	}

	if c.auth.Method() != auth.MethodNone {
		c.header.SetValue("Authorization", c.auth.CalculateResponse(c.header.Method(), c.header.Path()))
	}

	if c.socket.PeerName() != connHost || c.socket.PeerPort() != connPort ||
		c.socket.State() != transport.StateConnected ||
		c.socket.IsEncrypted() != (c.mode == ModeHTTPS) {
		id := c.CurrentID()
		c.socket.Abort()
		if util.IsIPLiteral(connHost) {
			c.setState(Connecting)
		} else {
			c.setState(HostLookup)
		}
		// A StateChanged handler may have aborted or replaced the request.
		if c.CurrentID() != id {
			return
		}
		if c.mode == ModeHTTPS {
			c.socket.ConnectToHostEncrypted(connHost, connPort)
		} else {
			c.socket.ConnectToHost(connHost, connPort)
		}
		return
	}
	c.log.Debug("reusing connection", logger.LogFields{"host": connHost, "port": connPort})
	c.slotConnected()
}

// resolveProxy returns the proxy for the current target. Environment proxies
// are looked up on every request so NO_PROXY applies per host.
func (c *Client) resolveProxy(secure bool) transport.Proxy {
	if c.proxy.Type != transport.EnvironmentProxy {
		return c.proxy
	}
	scheme := "http"
	if secure {
		scheme = "https"
	}
	target := &url.URL{Scheme: scheme, Host: util.HostPort(c.hostName, c.port)}
	pu, err := httpproxy.FromEnvironment().ProxyFunc()(target)
	if err != nil {
		c.log.Warn("ignoring invalid proxy environment", logger.LogFields{"error": err.Error()})
		return transport.Proxy{}
	}
	if pu == nil {
		return transport.Proxy{}
	}
	p, err := transport.ProxyFromURL(pu)
	if err != nil {
		c.log.Warn("ignoring invalid proxy environment", logger.LogFields{"error": err.Error()})
		return transport.Proxy{}
	}
	if p.User != "" && c.proxyAuth.IsNull() {
		c.proxyAuth.SetUser(p.User)
		c.proxyAuth.SetPassword(p.Password)
	}
	return p
}

func (c *Client) slotHostFound() {
	if c.state == HostLookup {
		c.setState(Connecting)
	}
}

func (c *Client) slotConnected() {
	id := c.CurrentID()
	if id == 0 {
		return
	}
	if c.state != Sending {
		c.bytesDone = 0
		c.setState(Sending)
		if c.CurrentID() != id {
			return
		}
	}

	str := c.header.String()
	c.bytesTotal = int64(len(str))
	c.socket.Write([]byte(str))
	if c.log.DebugEnabled() {
		c.log.Debug("request header written", logger.LogFields{"id": c.CurrentID(), "header": str})
	}

	if c.source != nil {
		if _, err := c.source.Seek(0, io.SeekStart); err != nil {
			c.failWithCause(UnknownError, msgReadSourceDevice, err)
			c.closeConn()
			return
		}
		c.postDevice = c.source
		c.postSent = 0
		c.bytesTotal += c.sourceSize
		if httpguts.HeaderValuesContainsToken(c.header.AllValues("Expect"), "100-continue") {
			c.stopContinueTimer()
			c.pendingPost = true
			c.continueTimer = c.sched.AfterFunc(c.continueTimeout, c.continuePost)
		}
		return
	}
	c.bytesTotal += int64(len(c.buffer))
	if len(c.buffer) > 0 {
		c.socket.Write(c.buffer)
	}
}

func (c *Client) stopContinueTimer() {
	if c.continueTimer != nil {
		c.continueTimer.Stop()
		c.continueTimer = nil
	}
}

func (c *Client) continuePost() {
	c.continueTimer = nil
	if c.pendingPost {
		c.pendingPost = false
		id := c.CurrentID()
		c.setState(Sending)
		if c.CurrentID() != id {
			return
		}
		c.slotBytesWritten(0)
		// The final response may have arrived in the same read as the
		// interim 100; no further ReadyRead will be delivered for it.
		if c.state == Sending && c.socket.BytesAvailable() > 0 {
			c.sched.Post(func() {
				if c.CurrentID() == id {
					c.slotReadyRead()
				}
			})
		}
	}
}

func (c *Client) slotBytesWritten(n int64) {
	if c.state != Sending {
		return
	}
	c.bytesDone += n
	if c.events.DataSendProgress != nil {
		c.events.DataSendProgress(c.bytesDone, c.bytesTotal)
	}
	c.postMoreData()
}

// postMoreData writes the next chunk of the body source once the transport
// has drained everything queued before it.
func (c *Client) postMoreData() {
	if c.pendingPost || c.postDevice == nil {
		return
	}
	if c.socket.BytesToWrite() != 0 {
		return
	}

	size := c.sourceSize - c.postSent
	if size > int64(c.uploadChunkSize) {
		size = int64(c.uploadChunkSize)
	}
	buf := make([]byte, size)
	n, err := io.ReadFull(c.postDevice, buf)
	eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !eof {
		c.log.Warn("could not read request body", logger.LogFields{"error": err.Error()})
		c.failWithCause(UnknownError, msgReadSourceDevice, err)
		c.closeConn()
		return
	}
	c.postSent += int64(n)
	if eof || c.postSent >= c.sourceSize {
		c.postDevice = nil
	}
	if n > 0 {
		c.socket.Write(buf[:n])
	}
}

func (c *Client) slotReadyRead() {
	oldState := c.state
	if c.state != Reading {
		c.setState(Reading)
		c.readHeader = true
		c.headerText.Reset()
		c.bytesDone = 0
		c.received = 0
		c.decoder = bodyDecoder{}
		c.repost = false
	}

	for c.readHeader {
		end := false
		for !end && c.socket.CanReadLine() {
			line := c.socket.ReadLine()
			if isBlankLine(line) {
				end = true
			} else {
				c.headerText.Write(line)
			}
		}
		if !end {
			return
		}

		c.response = header.ParseResponse(c.headerText.String())
		c.headerText.Reset()
		if c.log.DebugEnabled() {
			c.log.Debug("response header read", logger.LogFields{"id": c.CurrentID(), "header": c.response.String()})
		}
		if !c.response.IsValid() {
			c.finishedWithError(msgInvalidHeader, InvalidResponseHeader)
			c.closeConn()
			return
		}

		code := c.response.StatusCode()
		if code == 401 || code == 407 {
			if !c.handleAuthChallenge(code == 407) {
				return
			}
		} else {
			c.buffer = nil
		}

		if code == 100 && c.pendingPost {
			c.stopContinueTimer()
			c.sched.Post(c.continuePost)
			return
		}

		if code != 100 {
			c.stopContinueTimer()
			c.pendingPost = false
			c.readHeader = false
			// A final response can follow a 100 in the same read.
			c.state = Reading
			c.decoder.reset(&c.response, c.noBody(code))

			if !c.repost && c.events.ResponseHeaderReceived != nil {
				c.events.ResponseHeaderReceived(c.response.Clone())
			}
			if c.state == Unconnected || c.state == Closing {
				return
			}
		} else {
			// Treat the next header block as if the 100 was never seen.
			c.state = oldState
		}
	}

	everythingRead := c.decoder.framing == framingNone
	if !everythingRead {
		if c.repost && c.decoder.framing == framingLength && c.socket.BytesAvailable() < c.decoder.length {
			// The body of a challenge is discarded once it is complete.
			return
		}

		delivered := c.bytesDone + int64(c.rba.Len())
		data, done, err := c.decoder.decode(c.socket, delivered)
		if err != nil {
			c.failWithCause(WrongContentLength, msgInvalidChunk, err)
			c.closeConn()
			return
		}
		everythingRead = done

		if len(data) > 0 && !c.repost {
			if !c.deliver(data) {
				return
			}
		}
	}

	if everythingRead {
		if c.repost {
			c.log.Debug("resending request with credentials", logger.LogFields{"id": c.CurrentID()})
			c.sendRequest()
			return
		}
		if willClose(&c.response) {
			c.closeConn()
		} else {
			c.setState(Connected)
			c.scheduleFinished()
		}
	}
}

// deliver hands decoded body bytes to the sink or the read buffer. It reports
// false when processing must stop.
func (c *Client) deliver(data []byte) bool {
	c.received += int64(len(data))
	var total int64
	if c.decoder.framing == framingLength {
		total = c.decoder.length
	}

	if c.sink != nil {
		n, err := c.sink.Write(data)
		c.bytesDone += int64(n)
		if err != nil || n < len(data) {
			if err == nil {
				err = io.ErrShortWrite
			}
			c.failWithCause(UnknownError, msgWriteDevice, err)
			c.closeConn()
			return false
		}
		if c.events.DataReadProgress != nil {
			c.events.DataReadProgress(c.bytesDone, total)
		}
	} else {
		c.rba.Write(data)
		if c.events.DataReadProgress != nil {
			c.events.DataReadProgress(c.bytesDone+int64(c.rba.Len()), total)
		}
		if c.events.ReadyRead != nil {
			c.events.ReadyRead(c.response.Clone())
		}
	}
	return c.state != Unconnected && c.state != Closing
}

// handleAuthChallenge runs the 401/407 flow and reports whether the response
// body should still be read.
func (c *Client) handleAuthChallenge(proxy bool) bool {
	a := &c.auth
	if proxy {
		a = &c.proxyAuth
	}
	a.ParseChallenge(&c.response, proxy)

	switch a.Phase() {
	case auth.PhaseInvalid:
		c.finishedWithError(msgUnknownAuth, AuthenticationRequired)
		c.closeConn()
		return false
	case auth.PhaseDone:
		before := a.Credentials()
		creds := before
		if proxy {
			if c.events.ProxyAuthenticationRequired != nil {
				c.events.ProxyAuthenticationRequired(c.activeProxy, &creds)
			}
		} else if c.events.AuthenticationRequired != nil {
			c.events.AuthenticationRequired(c.hostName, c.port, &creds)
		}
		if len(c.pending) == 0 || c.state == Unconnected || c.state == Closing {
			return false
		}
		if creds.User != before.User || creds.Password != before.Password {
			a.SetUser(creds.User)
			a.SetPassword(creds.Password)
		}
	}

	if a.Phase() == auth.PhaseDone {
		if proxy {
			c.finishedWithError(msgProxyAuthRequired, ProxyAuthenticationRequired)
		} else {
			c.finishedWithError(msgAuthRequired, AuthenticationRequired)
		}
		c.closeConn()
		return false
	}

	if willClose(&c.response) {
		c.setState(Closing)
		c.socket.Abort()
		c.sendRequest()
		return false
	}
	c.repost = true
	return true
}

func (c *Client) noBody(code int) bool {
	return c.header.Method() == "HEAD" || code == 204 || code == 205 || code == 304
}

// willClose reports whether the server ends the connection after resp.
func willClose(resp *header.ResponseHeader) bool {
	if httpguts.HeaderValuesContainsToken(resp.AllValues("Connection"), "close") ||
		httpguts.HeaderValuesContainsToken(resp.AllValues("Proxy-Connection"), "close") {
		return true
	}
	return resp.MajorVersion() == 1 && resp.MinorVersion() == 0 &&
		!httpguts.HeaderValuesContainsToken(resp.AllValues("Connection"), "keep-alive")
}

func isBlankLine(line []byte) bool {
	return len(line) == 0 || string(line) == "\r\n" || string(line) == "\n"
}

func (c *Client) slotClosed() {
	switch c.state {
	case Reading:
		switch {
		case c.readHeader:
			c.finishedWithError(msgUnexpectedClose, UnexpectedClose)
		case c.decoder.framing == framingLength:
			if c.bytesDone+int64(c.rba.Len()) != c.decoder.length {
				c.finishedWithError(msgWrongLength, WrongContentLength)
			}
		case c.decoder.framing == framingChunked && !c.decoder.finished(0):
			c.finishedWithError(msgInvalidChunk, WrongContentLength)
		}
	case HostLookup, Connecting, Sending:
		c.finishedWithError(msgUnexpectedClose, UnexpectedClose)
	}

	c.postDevice = nil
	c.stopContinueTimer()
	c.pendingPost = false
	if c.state != Closing {
		c.setState(Closing)
	}
	c.scheduleFinished()
}

func (c *Client) slotError(kind transport.SocketError, err error) {
	c.postDevice = nil

	switch c.state {
	case HostLookup, Connecting, Reading, Sending:
		switch kind {
		case transport.ConnectionRefusedError:
			c.failWithCause(ConnectionRefused, msgRefused, err)
		case transport.HostNotFoundError:
			c.failWithCause(HostNotFound, fmt.Sprintf(msgHostNotFound, c.socket.PeerName()), err)
		case transport.RemoteHostClosedError:
			if c.state == Sending && c.reconnectAttempts > 0 {
				c.reconnectAttempts--
				c.log.Debug("connection reset while sending, retrying", logger.LogFields{"id": c.CurrentID(), "attempts_left": c.reconnectAttempts})
				c.setState(Closing)
				c.setState(Unconnected)
				c.socket.Abort()
				id := c.CurrentID()
				c.sched.Post(func() {
					if len(c.pending) > 0 && c.pending[0].base().id == id && !c.pending[0].base().finished {
						c.sendRequest()
					}
				})
				return
			}
			if c.state == Reading {
				return
			}
			c.failWithCause(UnexpectedClose, msgUnexpectedClose, err)
		case transport.ProxyAuthenticationRequiredError:
			c.failWithCause(ProxyAuthenticationRequired, msgProxyAuthRequired, err)
		default:
			c.failWithCause(UnknownError, msgRequestFailed, err)
		}
	}
	c.closeConn()
}

func (c *Client) slotTLSErrors(errs []error) {
	for _, e := range errs {
		c.log.Warn("TLS certificate error", logger.LogFields{"host": c.hostName, "error": e.Error()})
	}
	if c.events.TLSErrors != nil {
		c.events.TLSErrors(errs)
	}
}

// scheduleFinished completes the current operation on a later loop turn. The
// completion is dropped if the operation is gone by then.
func (c *Client) scheduleFinished() {
	id := c.CurrentID()
	c.sched.Post(func() { c.doFinished(id) })
}

func (c *Client) doFinished(id int) {
	if c.CurrentID() != id {
		if c.state == Closing {
			c.setState(Unconnected)
		}
		return
	}
	switch c.state {
	case Connected:
		c.finishedWithSuccess()
	case Unconnected:
	default:
		c.setState(Unconnected)
		c.finishedWithSuccess()
	}
}

func (c *Client) closeConn() {
	if c.state == Closing || c.state == Unconnected {
		return
	}
	c.postDevice = nil
	c.stopContinueTimer()
	c.pendingPost = false
	c.setState(Closing)

	if c.socket == nil || !c.socket.IsOpen() {
		c.scheduleFinished()
	} else {
		c.socket.Close()
	}
}

// validateRequestHeader rejects request lines and fields that cannot be put
// on the wire.
func validateRequestHeader(h *header.RequestHeader) *Error {
	if !httpguts.ValidHeaderFieldName(h.Method()) {
		return NewError(UnknownError, fmt.Sprintf("Invalid request method %q", h.Method()))
	}
	for _, f := range h.Fields() {
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			return NewError(UnknownError, fmt.Sprintf(msgInvalidHeaderField, f.Name))
		}
	}
	return nil
}
