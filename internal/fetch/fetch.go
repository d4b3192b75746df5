// Package fetch runs a list of HTTP requests through one client on a private
// event loop. Both command line tools are thin wrappers around Runner.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"example.com/asynchttp/internal/auth"
	"example.com/asynchttp/internal/client"
	"example.com/asynchttp/internal/config"
	"example.com/asynchttp/internal/eventloop"
	"example.com/asynchttp/internal/header"
	"example.com/asynchttp/internal/logger"
	"example.com/asynchttp/internal/transport"
	"example.com/asynchttp/internal/util"
)

// Request is one transfer of a run.
type Request struct {
	Method string
	URL    string
	// Headers are "Name: value" lines added after the defaults.
	Headers []string
	// Data is sent as the body when non-nil. Body is used otherwise.
	Data []byte
	Body io.ReadSeeker
	// BodyName is the file name behind Body. Its extension selects the
	// Content-Type when no header sets one.
	BodyName string
	// Output receives the response body. When nil the body is collected in
	// Result.Body.
	Output         io.Writer
	ExpectContinue bool
}

// Result describes a finished transfer.
type Result struct {
	ID int
	// RunID is shared by every result of one Run and tagged on its log entries.
	RunID    string
	Response header.ResponseHeader
	Body     []byte
	Duration time.Duration
}

// StatusCode returns the final status code, or 0 if no response arrived.
func (r *Result) StatusCode() int {
	if r == nil || !r.Response.IsValid() {
		return 0
	}
	return r.Response.StatusCode()
}

// Runner executes requests with settings from a loaded configuration.
type Runner struct {
	cfg   *config.Config
	log   *logger.Logger
	opts  []client.Option
	mimes *mimeTypeResolver

	user, password string
	proxyURL       string
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithCredentials sets the origin server credentials used on 401.
func WithCredentials(user, password string) RunnerOption {
	return func(r *Runner) { r.user, r.password = user, password }
}

// WithProxyURL overrides the configured proxy, e.g. "socks5://host:1080".
func WithProxyURL(raw string) RunnerOption {
	return func(r *Runner) { r.proxyURL = raw }
}

// WithClientOptions appends options passed to every client the Runner creates.
func WithClientOptions(opts ...client.Option) RunnerOption {
	return func(r *Runner) { r.opts = append(r.opts, opts...) }
}

// NewRunner creates a Runner. A nil cfg uses the defaults.
func NewRunner(cfg *config.Config, lg *logger.Logger, opts ...RunnerOption) (*Runner, error) {
	if cfg == nil {
		cfg = config.Default()
	} else {
		config.ApplyDefaults(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if lg == nil {
		lg = logger.Nop()
	}
	mimes, err := newMimeTypeResolver(cfg.Client)
	if err != nil {
		return nil, err
	}
	r := &Runner{cfg: cfg, log: lg, mimes: mimes}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

type plannedRequest struct {
	header header.RequestHeader
	host   string
	port   uint16
	mode   client.ConnectionMode
	req    *Request
	// user and password come from the URL's userinfo.
	user, password string
}

// Run executes reqs in order over a single keep-alive connection per host
// and returns one Result per finished request. The first failure stops the
// run and is returned together with the results gathered so far. Cancelling
// ctx aborts the transfer in progress.
func (r *Runner) Run(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	user, password := r.user, r.password
	plan := make([]plannedRequest, 0, len(reqs))
	for i := range reqs {
		p, err := r.plan(&reqs[i])
		if err != nil {
			return nil, err
		}
		if user == "" && p.user != "" {
			user, password = p.user, p.password
		}
		plan = append(plan, p)
	}

	tlsCfg, err := r.tlsConfig()
	if err != nil {
		return nil, err
	}
	proxy, err := r.proxy()
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	lg := r.log.With(logger.LogFields{"run_id": runID})
	loop := eventloop.New(lg)
	opts := []client.Option{
		client.WithLogger(lg),
		client.WithConfig(r.cfg.Client),
		client.WithTLSConfig(tlsCfg),
	}
	c := client.New(loop, append(opts, r.opts...)...)

	var (
		results  []Result
		byID     = make(map[int]int)
		starts   = make(map[int]time.Time)
		runErr   error
		finished = make(chan struct{})
	)
	current := func() *Result {
		if i, ok := byID[c.CurrentID()]; ok {
			return &results[i]
		}
		return nil
	}

	c.SetEvents(client.Events{
		RequestStarted: func(id int) {
			starts[id] = time.Now()
		},
		ResponseHeaderReceived: func(resp header.ResponseHeader) {
			if res := current(); res != nil {
				res.Response = resp
			}
			lg.Debug("Response header received", logger.LogFields{"status": resp.StatusCode(), "reason": resp.ReasonPhrase()})
		},
		ReadyRead: func(header.ResponseHeader) {
			if res := current(); res != nil {
				res.Body = append(res.Body, c.ReadAll()...)
			}
		},
		RequestFinished: func(id int, failed bool) {
			if i, ok := byID[id]; ok {
				results[i].Duration = time.Since(starts[id])
			}
			if failed && runErr == nil {
				runErr = c.LastError()
			}
		},
		AuthenticationRequired: func(host string, port uint16, creds *auth.Credentials) {
			lg.Warn("Server requires authentication", logger.LogFields{"host": host, "port": port, "realm": creds.Realm})
		},
		ProxyAuthenticationRequired: func(p transport.Proxy, creds *auth.Credentials) {
			lg.Warn("Proxy requires authentication", logger.LogFields{"proxy": util.HostPort(p.Host, p.Port), "realm": creds.Realm})
		},
		TLSErrors: func(errs []error) {
			for _, e := range errs {
				lg.Error("TLS certificate verification failed", logger.LogFields{"error": e.Error()})
			}
		},
		Done: func(failed bool) {
			loop.Stop()
		},
	})

	loop.Post(func() {
		if proxy.Type != transport.NoProxy {
			c.SetProxyConfig(proxy)
		}
		if user != "" || password != "" {
			c.SetUser(user, password)
		}
		var host string
		var port uint16
		for _, p := range plan {
			if p.host != host || p.port != port {
				if host != "" {
					c.Close()
				}
				c.SetHostMode(p.host, p.mode, p.port)
				host, port = p.host, p.port
			}
			var id int
			switch {
			case p.req.Data != nil:
				id = c.RequestBytes(p.header, p.req.Data, p.req.Output)
			default:
				id = c.Request(p.header, p.req.Body, p.req.Output)
			}
			byID[id] = len(results)
			results = append(results, Result{ID: id, RunID: runID})
		}
		c.Close()
	})

	var g errgroup.Group
	g.Go(func() error {
		defer close(finished)
		return loop.Run(context.Background())
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			loop.Post(func() {
				lg.Info("Transfer cancelled", logger.LogFields{"reason": ctx.Err().Error()})
				c.Abort()
				loop.Stop()
			})
		case <-finished:
		}
		return nil
	})
	if err := g.Wait(); err != nil && runErr == nil {
		runErr = err
	}
	c.Shutdown()

	if ctx.Err() != nil {
		runErr = fmt.Errorf("transfer cancelled: %w", ctx.Err())
	}
	done := results[:0]
	for _, res := range results {
		if res.Response.IsValid() {
			done = append(done, res)
		}
	}
	return done, runErr
}

// plan validates req and builds its request header.
func (r *Runner) plan(req *Request) (plannedRequest, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return plannedRequest{}, fmt.Errorf("invalid URL %q: %w", req.URL, err)
	}
	var mode client.ConnectionMode
	switch strings.ToLower(u.Scheme) {
	case "http":
		mode = client.ModeHTTP
	case "https":
		mode = client.ModeHTTPS
	default:
		return plannedRequest{}, fmt.Errorf("unsupported URL scheme %q in %q", u.Scheme, req.URL)
	}
	if u.Hostname() == "" {
		return plannedRequest{}, fmt.Errorf("URL %q has no host", req.URL)
	}
	port := util.DefaultPort(mode == client.ModeHTTPS)
	if ps := u.Port(); ps != "" {
		n, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return plannedRequest{}, fmt.Errorf("invalid port in %q: %w", req.URL, err)
		}
		port = uint16(n)
	}

	method := req.Method
	if method == "" {
		method = "GET"
		if req.Data != nil || req.Body != nil {
			method = "POST"
		}
	}

	h := header.NewRequest(method, u.RequestURI())
	if port == util.DefaultPort(mode == client.ModeHTTPS) {
		h.SetValue("Host", u.Hostname())
	} else {
		h.SetValue("Host", util.HostPort(u.Hostname(), port))
	}
	h.SetValue("User-Agent", *r.cfg.Client.UserAgent)
	h.SetValue("Accept", "*/*")
	for _, line := range req.Headers {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return plannedRequest{}, fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if value == "" {
			h.RemoveAllValues(name)
			continue
		}
		h.SetValue(name, value)
	}
	hasBody := req.Data != nil || req.Body != nil
	if hasBody && !h.HasContentType() {
		switch {
		case req.Data != nil:
			h.SetContentType("application/x-www-form-urlencoded")
		case req.BodyName != "":
			h.SetContentType(r.mimes.typeOf(req.BodyName))
		}
	}
	if hasBody && req.ExpectContinue {
		h.SetValue("Expect", "100-continue")
	}

	p := plannedRequest{header: h, host: u.Hostname(), port: port, mode: mode, req: req}
	if u.User != nil {
		p.user = u.User.Username()
		p.password, _ = u.User.Password()
	}
	return p, nil
}

// tlsConfig builds the client TLS configuration.
func (r *Runner) tlsConfig() (*tls.Config, error) {
	tc := r.cfg.Client.TLS
	cfg := &tls.Config{ServerName: tc.ServerName}
	if tc.InsecureSkipVerify != nil && *tc.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	if tc.CAFile == "" {
		return cfg, nil
	}
	path := tc.CAFile
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client.tls.ca_file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bytes.TrimSpace(pemBytes)) {
		return nil, fmt.Errorf("client.tls.ca_file %s contains no PEM certificates", path)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// proxy returns the proxy for the run: the URL override, else the [proxy]
// section.
func (r *Runner) proxy() (transport.Proxy, error) {
	if r.proxyURL != "" {
		u, err := url.Parse(r.proxyURL)
		if err != nil {
			return transport.Proxy{}, fmt.Errorf("invalid proxy URL %q: %w", r.proxyURL, err)
		}
		return transport.ProxyFromURL(u)
	}
	pc := r.cfg.Proxy
	p := transport.Proxy{Host: pc.Host, Port: pc.Port, User: pc.User, Password: pc.Password}
	switch pc.Type {
	case config.ProxyTypeHTTP:
		p.Type = transport.HTTPProxy
	case config.ProxyTypeCaching:
		p.Type = transport.HTTPCachingProxy
	case config.ProxyTypeSocks5:
		p.Type = transport.Socks5Proxy
	case config.ProxyTypeEnvironment:
		p.Type = transport.EnvironmentProxy
	default:
		return transport.Proxy{}, nil
	}
	return p, nil
}
