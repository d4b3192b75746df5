package e2e

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/asynchttp/e2e/testutil"
	"example.com/asynchttp/internal/client"
	"example.com/asynchttp/internal/config"
	"example.com/asynchttp/internal/fetch"
	"example.com/asynchttp/internal/header"
	certs "example.com/asynchttp/internal/testutil"
	"example.com/asynchttp/internal/transport"
)

const sessionTimeout = 5 * time.Second

func strPtr(s string) *string { return &s }

func TestGet_AgainstHTTPTestServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "path="+r.URL.Path)
	}))
	defer srv.Close()
	addr := srv.Listener.Addr().(*net.TCPAddr)
	host, port := addr.IP.String(), uint16(addr.Port)

	s := testutil.NewSession()
	var getID int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost(host, port)
		getID = c.Get("/e2e", nil)
		c.Close()
	}))

	testutil.CheckResponse(t, "get", testutil.ExpectedResponse{
		StatusCode:  200,
		Headers:     testutil.HeaderMatcher{"content-type": "text/plain"},
		BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("path=/e2e")},
	}, s.Response(getID))
	assert.Equal(t, "done false", s.Events[len(s.Events)-1])
}

func TestScriptedResponses(t *testing.T) {
	cases := []struct {
		Name     string
		Steps    []testutil.ScriptStep
		Expected testutil.ExpectedResponse
	}{
		{
			Name:  "content_length",
			Steps: []testutil.ScriptStep{{Response: "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"}},
			Expected: testutil.ExpectedResponse{
				StatusCode:  200,
				BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("hello")},
			},
		},
		{
			Name: "chunked_with_extensions_and_trailer",
			Steps: []testutil.ScriptStep{{Response: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"4;x=y\r\nwiki\r\n5\r\npedia\r\n0\r\nX-Trailer: 1\r\n\r\n"}},
			Expected: testutil.ExpectedResponse{
				StatusCode:  200,
				BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("wikipedia")},
			},
		},
		{
			Name:  "close_delimited",
			Steps: []testutil.ScriptStep{{Response: "HTTP/1.0 200 OK\r\n\r\nuntil close", Close: true}},
			Expected: testutil.ExpectedResponse{
				StatusCode:  200,
				BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("until close")},
			},
		},
		{
			Name:  "no_content",
			Steps: []testutil.ScriptStep{{Response: "HTTP/1.1 204 No Content\r\n\r\n"}},
			Expected: testutil.ExpectedResponse{
				StatusCode:   204,
				ExpectNoBody: true,
			},
		},
		{
			Name:  "wrong_content_length",
			Steps: []testutil.ScriptStep{{Response: "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort", Close: true}},
			Expected: testutil.ExpectedResponse{
				ErrorKind:     client.WrongContentLength,
				ErrorContains: "Wrong content length",
			},
		},
		{
			Name:  "truncated_chunked",
			Steps: []testutil.ScriptStep{{Response: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhel", Close: true}},
			Expected: testutil.ExpectedResponse{
				ErrorKind: client.WrongContentLength,
			},
		},
		{
			Name:  "garbage_status_line",
			Steps: []testutil.ScriptStep{{Response: "SPDY/3 what\r\n\r\n", Close: true}},
			Expected: testutil.ExpectedResponse{
				ErrorKind: client.InvalidResponseHeader,
			},
		},
		{
			Name:  "close_before_response",
			Steps: []testutil.ScriptStep{{Response: "", Close: true}},
			Expected: testutil.ExpectedResponse{
				ErrorKind: client.UnexpectedClose,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			srv := testutil.StartScriptServer(t, tc.Steps...)
			s := testutil.NewSession()
			var id int
			require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
				c.SetHost(srv.Host, srv.Port)
				id = c.Get("/", nil)
			}))
			testutil.CheckResponse(t, tc.Name, tc.Expected, s.Response(id))
		})
	}
}

func TestKeepAliveReusesConnection(t *testing.T) {
	srv := testutil.StartScriptServer(t,
		testutil.ScriptStep{Response: "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\none"},
		testutil.ScriptStep{Response: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\ntwo\r\n0\r\n\r\n"},
		testutil.ScriptStep{Response: "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\n"},
	)
	s := testutil.NewSession()
	var ids [3]int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost(srv.Host, srv.Port)
		ids[0] = c.Get("/1", nil)
		ids[1] = c.Get("/2", nil)
		ids[2] = c.Head("/3")
		c.Close()
	}))

	assert.Equal(t, "one", string(s.Response(ids[0]).Body))
	assert.Equal(t, "two", string(s.Response(ids[1]).Body))
	assert.Empty(t, s.Response(ids[2]).Body)
	assert.Equal(t, 1, srv.Connections())

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "GET /1 HTTP/1.1", reqs[0].Line)
	assert.Equal(t, "HEAD /3 HTTP/1.1", reqs[2].Line)
	assert.Equal(t, srv.Addr, reqs[0].Header.Get("Host"))
}

func TestServerCloseForcesReconnect(t *testing.T) {
	srv := testutil.StartScriptServer(t,
		testutil.ScriptStep{Response: "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 1\r\n\r\na", Close: true},
		testutil.ScriptStep{Response: "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nb"},
	)
	s := testutil.NewSession()
	var first, second int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost(srv.Host, srv.Port)
		first = c.Get("/a", nil)
		second = c.Get("/b", nil)
	}))
	assert.Equal(t, "a", string(s.Response(first).Body))
	assert.Equal(t, "b", string(s.Response(second).Body))
	assert.Equal(t, 2, srv.Connections())
}

func TestPostWithExpectContinue(t *testing.T) {
	srv := testutil.StartScriptServer(t, testutil.ScriptStep{
		Interim:  "HTTP/1.1 100 Continue\r\n\r\n",
		Response: "HTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok",
	})
	s := testutil.NewSession(client.WithContinueTimeout(time.Minute), client.WithUploadChunkSize(7))
	payload := strings.Repeat("upload-", 50)
	var id int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost(srv.Host, srv.Port)
		h := header.NewRequest("POST", "/upload")
		h.SetValue("Host", srv.Addr)
		h.SetValue("Expect", "100-continue")
		id = c.Request(h, strings.NewReader(payload), nil)
	}))

	testutil.CheckResponse(t, "post", testutil.ExpectedResponse{
		StatusCode:  201,
		BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("ok")},
	}, s.Response(id))
	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, payload, string(reqs[0].Body))
	assert.NotContains(t, s.Events, "header 100", "interim responses are not reported")
}

func TestExpectContinueTimeoutSendsBody(t *testing.T) {
	srv := testutil.StartScriptServer(t, testutil.ScriptStep{
		Response: "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n",
	})
	s := testutil.NewSession(client.WithContinueTimeout(50 * time.Millisecond))
	var id int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost(srv.Host, srv.Port)
		h := header.NewRequest("PUT", "/slow")
		h.SetValue("Host", srv.Addr)
		h.SetValue("Expect", "100-continue")
		id = c.RequestBytes(h, []byte("late body"), nil)
	}))
	testutil.CheckResponse(t, "continue timeout", testutil.ExpectedResponse{StatusCode: 200, ExpectNoBody: true}, s.Response(id))
	require.Len(t, srv.Requests(), 1)
	assert.Equal(t, "late body", string(srv.Requests()[0].Body))
}

func TestBasicAuthentication(t *testing.T) {
	srv := testutil.StartScriptServer(t,
		testutil.ScriptStep{Response: "HTTP/1.1 401 Unauthorized\r\nWWW-Authenticate: Basic realm=\"e2e\"\r\nContent-Length: 6\r\n\r\ndenied"},
		testutil.ScriptStep{Response: "HTTP/1.1 200 OK\r\nContent-Length: 7\r\n\r\nwelcome"},
	)
	s := testutil.NewSession()
	var id int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost(srv.Host, srv.Port)
		c.SetUser("alice", "secret")
		id = c.PostBytes("/login", []byte("form=1"), nil)
	}))

	testutil.CheckResponse(t, "auth", testutil.ExpectedResponse{
		StatusCode:  200,
		BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("welcome")},
	}, s.Response(id))
	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Header.Get("Authorization"))
	assert.Equal(t, "Basic YWxpY2U6c2VjcmV0", reqs[1].Header.Get("Authorization"))
	assert.Equal(t, "form=1", string(reqs[1].Body), "the body is replayed on the repost")
}

func TestCachingProxy(t *testing.T) {
	proxy := testutil.StartScriptServer(t, testutil.ScriptStep{
		Response: "HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\ncached",
	})
	s := testutil.NewSession()
	var id int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetProxyConfig(transport.Proxy{Type: transport.HTTPCachingProxy, Host: proxy.Host, Port: proxy.Port})
		c.SetHost("origin.invalid", 0)
		id = c.Get("/resource?x=1", nil)
	}))

	testutil.CheckResponse(t, "proxy", testutil.ExpectedResponse{
		StatusCode:  200,
		BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("cached")},
	}, s.Response(id))
	reqs := proxy.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "GET http://origin.invalid/resource?x=1 HTTP/1.1", reqs[0].Line)
	assert.Equal(t, "keep-alive", reqs[0].Header.Get("Proxy-Connection"))
}

func TestConnectionRefusedFlushesQueue(t *testing.T) {
	port, err := testutil.GetFreePort()
	require.NoError(t, err)

	s := testutil.NewSession()
	var first, second int
	require.NoError(t, s.Run(sessionTimeout, func(c *client.Client) {
		c.SetHost("127.0.0.1", uint16(port))
		first = c.Get("/", nil)
		second = c.Get("/never", nil)
	}))
	testutil.CheckResponse(t, "refused", testutil.ExpectedResponse{ErrorKind: client.ConnectionRefused}, s.Response(first))
	assert.Nil(t, s.Response(second), "queued operations are dropped without events")
	assert.Equal(t, "done true", s.Events[len(s.Events)-1])
}

func TestFetchWithTLSConfigFile(t *testing.T) {
	serverCfg, caPath := certs.TLSPairWithCAFile(t, "127.0.0.1")
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Agent", r.UserAgent())
		io.WriteString(w, "over tls")
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	for _, format := range []string{"toml", "json"} {
		t.Run(format, func(t *testing.T) {
			cfg := &config.Config{
				Client: &config.ClientConfig{
					UserAgent:       strPtr("e2e-agent/" + format),
					ContinueTimeout: config.NewDuration(time.Second),
					TLS:             &config.TLSConfig{CAFile: caPath},
				},
				Logging: &config.LoggingConfig{LogLevel: config.LogLevelError},
			}
			path, cleanup, err := testutil.WriteTempConfig(cfg, format)
			require.NoError(t, err)
			defer cleanup()

			loaded, err := config.LoadConfig(path)
			require.NoError(t, err)
			runner, err := fetch.NewRunner(loaded, nil)
			require.NoError(t, err)

			results, err := runner.Run(context.Background(), []fetch.Request{{URL: srv.URL + "/secure"}})
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "over tls", string(results[0].Body))
			assert.Equal(t, "e2e-agent/"+format, results[0].Response.Value("X-Agent"))
		})
	}
}
