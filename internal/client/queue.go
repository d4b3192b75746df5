package client

import (
	"example.com/asynchttp/internal/logger"
)

// addRequest appends op to the queue and returns its id. The head operation
// is started on a later loop turn so callers see the id before any event.
func (c *Client) addRequest(op operation) int {
	b := op.base()
	b.id = nextOperationID()

	if r, ok := op.(interface{ request() *requestOp }); ok {
		req := r.request()
		if req.header.Path() == "" {
			c.log.Warn("empty path requested is invalid, using '/'", logger.LogFields{"id": b.id})
			req.header.SetRequest(req.header.Method(), "/", req.header.MajorVersion(), req.header.MinorVersion())
		}
	}

	c.pending = append(c.pending, op)
	if len(c.pending) == 1 {
		c.sched.Post(c.startNextRequest)
	}
	return b.id
}

func (c *Client) startNextRequest() {
	if len(c.pending) == 0 {
		return
	}
	op := c.pending[0]

	c.err = NoError
	c.errMsg = msgUnknown
	c.cause = nil

	if c.rba.Len() != 0 {
		c.rba.Reset()
	}
	id := op.base().id
	c.log.Debug("operation started", logger.LogFields{"id": id})
	if c.events.RequestStarted != nil {
		c.events.RequestStarted(id)
		if len(c.pending) == 0 || c.pending[0] != op {
			return
		}
	}
	op.start(c)
}

// finishedWithSuccess completes the head operation and starts the next one.
// A RequestFinished handler may fail or abort the client; in that case the
// error path has already emptied the queue.
func (c *Client) finishedWithSuccess() {
	if len(c.pending) == 0 {
		return
	}
	op := c.pending[0]
	b := op.base()
	if b.finished {
		return
	}
	b.finished = true
	c.hasFinishedWithError = false

	c.logTransfer(op)
	if c.events.RequestFinished != nil {
		c.events.RequestFinished(b.id, false)
	}
	if c.hasFinishedWithError {
		return
	}

	c.pending[0] = nil
	c.pending = c.pending[1:]

	if len(c.pending) == 0 {
		if c.events.Done != nil {
			c.events.Done(false)
		}
	} else {
		c.startNextRequest()
	}
}

// finishedWithError records the failure, reports the head operation once and
// drops every queued operation without further events.
func (c *Client) finishedWithError(msg string, kind ErrorKind) {
	c.failWithCause(kind, msg, nil)
}

func (c *Client) failWithCause(kind ErrorKind, msg string, cause error) {
	c.err = kind
	c.errMsg = msg
	c.cause = cause
	if len(c.pending) == 0 {
		return
	}
	op := c.pending[0]
	b := op.base()
	c.hasFinishedWithError = true
	c.log.Debug("operation failed", logger.LogFields{"id": b.id, "kind": kind.String(), "error": msg})

	if !b.finished {
		b.finished = true
		c.logTransfer(op)
		if c.events.RequestFinished != nil {
			c.events.RequestFinished(b.id, true)
		}
	}

	for i := range c.pending {
		c.pending[i] = nil
	}
	c.pending = c.pending[:0]
	if c.events.Done != nil {
		c.events.Done(c.hasFinishedWithError)
	}
}

// Abort fails the executing operation with Aborted, drops the queue and
// tears the connection down. It does nothing when the queue is empty.
func (c *Client) Abort() {
	if len(c.pending) == 0 {
		return
	}
	c.finishedWithError(msgAborted, Aborted)
	c.ClearPendingRequests()
	if c.socket != nil {
		c.socket.Abort()
	}
	c.closeConn()
}

func (c *Client) logTransfer(op operation) {
	r, ok := op.(interface{ request() *requestOp })
	if !ok {
		return
	}
	req := r.request()
	rec := logger.TransferRecord{
		ID:            op.base().id,
		Method:        c.header.Method(),
		Target:        c.header.Path(),
		Host:          c.hostName,
		Port:          c.port,
		ResponseBytes: c.received,
	}
	if rec.Method == "" {
		rec.Method = req.header.Method()
		rec.Target = req.header.Path()
	}
	if c.response.IsValid() {
		rec.Status = c.response.StatusCode()
	}
	if !c.startedAt.IsZero() {
		rec.Duration = c.now().Sub(c.startedAt)
	}
	rec.Err = c.LastError()
	c.log.Transfer(rec)
}
