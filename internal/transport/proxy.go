package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"example.com/asynchttp/internal/auth"
	"example.com/asynchttp/internal/util"
)

// proxyError carries the socket error kind for proxy negotiation failures.
type proxyError struct {
	kind SocketError
	msg  string
}

func (e *proxyError) Error() string { return e.msg }

// dialer establishes the raw TCP stream, directly or through a transparent proxy.
type dialer struct {
	proxy     Proxy
	timeout   time.Duration
	hostFound func()
}

func (d *dialer) dial(ctx context.Context, host string, port uint16) (net.Conn, error) {
	target := util.HostPort(host, port)
	nd := &net.Dialer{Timeout: d.timeout}

	switch {
	case d.proxy.Type == Socks5Proxy && d.proxy.Host != "":
		var a *proxy.Auth
		if d.proxy.User != "" {
			a = &proxy.Auth{User: d.proxy.User, Password: d.proxy.Password}
		}
		sd, err := proxy.SOCKS5("tcp", util.HostPort(d.proxy.Host, d.proxy.Port), a, nd)
		if err != nil {
			return nil, &proxyError{kind: ProxyConnectionError, msg: err.Error()}
		}
		d.hostFound()
		cd, ok := sd.(proxy.ContextDialer)
		if !ok {
			return sd.Dial("tcp", target)
		}
		conn, err := cd.DialContext(ctx, "tcp", target)
		if err != nil && !util.IsConnectionRefused(err) {
			return nil, &proxyError{kind: ProxyConnectionError, msg: err.Error()}
		}
		return conn, err

	case d.proxy.Type == HTTPProxy && d.proxy.Host != "":
		conn, err := d.dialResolved(ctx, nd, d.proxy.Host, d.proxy.Port)
		if err != nil {
			return nil, err
		}
		if err := d.connectTunnel(ctx, conn, target); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}

	return d.dialResolved(ctx, nd, host, port)
}

// dialResolved resolves host, reports HostFound and tries each address in turn.
func (d *dialer) dialResolved(ctx context.Context, nd *net.Dialer, host string, port uint16) (net.Conn, error) {
	addrs := []string{host}
	if !util.IsIPLiteral(host) {
		var err error
		addrs, err = net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
	}
	d.hostFound()

	var firstErr error
	for _, a := range addrs {
		conn, err := nd.DialContext(ctx, "tcp", util.HostPort(a, port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// connectTunnel performs the HTTP CONNECT handshake on conn.
func (d *dialer) connectTunnel(ctx context.Context, conn net.Conn, target string) error {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if d.proxy.User != "" || d.proxy.Password != "" {
		fmt.Fprintf(&req, "Proxy-Authorization: %s\r\n", auth.BasicResponse(d.proxy.User, d.proxy.Password))
	}
	req.WriteString("Proxy-Connection: keep-alive\r\n\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return err
	}

	// The proxy sends nothing after the header block until the tunnel is
	// used, so a buffered reader cannot swallow tunnelled bytes.
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return &proxyError{kind: ProxyConnectionError, msg: "proxy closed connection during CONNECT: " + err.Error()}
	}
	code, err := parseConnectStatus(line)
	if err != nil {
		return err
	}
	for {
		l, err := br.ReadString('\n')
		if err != nil {
			return &proxyError{kind: ProxyConnectionError, msg: "proxy closed connection during CONNECT: " + err.Error()}
		}
		if strings.TrimRight(l, "\r\n") == "" {
			break
		}
	}

	switch {
	case code == http.StatusProxyAuthRequired:
		return &proxyError{kind: ProxyAuthenticationRequiredError, msg: "Proxy authentication required"}
	case code/100 != 2:
		return &proxyError{kind: ProxyConnectionError, msg: fmt.Sprintf("proxy CONNECT failed: %d", code)}
	}
	return nil
}

func parseConnectStatus(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, &proxyError{kind: ProxyConnectionError, msg: fmt.Sprintf("malformed CONNECT response %q", strings.TrimSpace(line))}
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, &proxyError{kind: ProxyConnectionError, msg: fmt.Sprintf("malformed CONNECT status %q", fields[1])}
	}
	return code, nil
}
