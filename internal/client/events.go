package client

import (
	"example.com/asynchttp/internal/auth"
	"example.com/asynchttp/internal/header"
	"example.com/asynchttp/internal/transport"
)

// Events are the callbacks a Client raises. All of them run on the loop
// goroutine and may call back into the Client. Nil callbacks are skipped.
type Events struct {
	StateChanged func(state State)

	// ResponseHeaderReceived fires once per final (non-1xx) response.
	ResponseHeaderReceived func(resp header.ResponseHeader)
	// ReadyRead fires when body bytes were buffered for an operation that
	// has no destination writer. Drain them with Read or ReadAll.
	ReadyRead func(resp header.ResponseHeader)

	// DataSendProgress and DataReadProgress report (done, total); total is 0
	// when unknown.
	DataSendProgress func(done, total int64)
	DataReadProgress func(done, total int64)

	RequestStarted  func(id int)
	RequestFinished func(id int, failed bool)
	// Done fires when the queue becomes empty.
	Done func(failed bool)

	// AuthenticationRequired and ProxyAuthenticationRequired run before the
	// client gives up on a 401/407. Setting new credentials in creds makes
	// the client retry.
	AuthenticationRequired      func(host string, port uint16, creds *auth.Credentials)
	ProxyAuthenticationRequired func(proxy transport.Proxy, creds *auth.Credentials)

	// TLSErrors reports certificate problems; call Client.IgnoreTLSErrors
	// from inside the callback to continue anyway.
	TLSErrors func(errs []error)
}
