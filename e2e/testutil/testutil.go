package testutil

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"

	"example.com/asynchttp/internal/client"
	"example.com/asynchttp/internal/eventloop"
	"example.com/asynchttp/internal/header"
)

// HeaderMatcher defines a way to match headers.
type HeaderMatcher map[string]string // Key: header name, Value: expected value (exact match)

// BodyMatcher defines a way to match the response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string) // Returns match status and a description of mismatch
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

// Match implements BodyMatcher for ExactBodyMatcher.
func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", string(m.ExpectedBody), string(body))
}

// StringContainsBodyMatcher checks if the body contains a specific substring.
type StringContainsBodyMatcher struct {
	Substring string
}

// Match implements BodyMatcher for StringContainsBodyMatcher.
func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring: %q. Body: %q", m.Substring, string(body))
}

// ExpectedResponse models the expected outcome of one request operation.
type ExpectedResponse struct {
	StatusCode    int
	Headers       HeaderMatcher
	BodyMatcher   BodyMatcher
	ExpectNoBody  bool             // If true, BodyMatcher is ignored and body must be empty
	ErrorKind     client.ErrorKind // NoError for success
	ErrorContains string
}

// ActualResponse stores what a Session observed for one request operation.
type ActualResponse struct {
	ID       int
	Header   header.ResponseHeader
	Body     []byte
	Failed   bool
	Error    error
	Finished bool
}

// CheckResponse compares actual against expected and reports every mismatch.
func CheckResponse(t *testing.T, name string, expected ExpectedResponse, actual *ActualResponse) {
	t.Helper()
	if actual == nil {
		t.Errorf("[%s] no response recorded", name)
		return
	}
	if !actual.Finished {
		t.Errorf("[%s] operation %d never finished", name, actual.ID)
	}

	if expected.ErrorKind != client.NoError || expected.ErrorContains != "" {
		if actual.Error == nil {
			t.Errorf("[%s] expected error %v, got none", name, expected.ErrorKind)
			return
		}
		if expected.ErrorKind != client.NoError {
			if ce, ok := actual.Error.(*client.Error); !ok || ce.Kind != expected.ErrorKind {
				t.Errorf("[%s] expected error kind %v, got %v", name, expected.ErrorKind, actual.Error)
			}
		}
		if expected.ErrorContains != "" && !strings.Contains(actual.Error.Error(), expected.ErrorContains) {
			t.Errorf("[%s] error %q does not contain %q", name, actual.Error, expected.ErrorContains)
		}
		return
	}
	if actual.Error != nil {
		t.Errorf("[%s] unexpected error: %v", name, actual.Error)
		return
	}

	if expected.StatusCode != 0 && actual.Header.StatusCode() != expected.StatusCode {
		t.Errorf("[%s] expected status %d, got %d", name, expected.StatusCode, actual.Header.StatusCode())
	}
	for key, want := range expected.Headers {
		if got := actual.Header.Value(key); got != want {
			t.Errorf("[%s] header %q: expected %q, got %q", name, key, want, got)
		}
	}
	if expected.ExpectNoBody {
		if len(actual.Body) != 0 {
			t.Errorf("[%s] expected no body, got %q", name, actual.Body)
		}
	} else if expected.BodyMatcher != nil {
		if ok, desc := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Errorf("[%s] %s", name, desc)
		}
	}
}

// GetFreePort asks the kernel for a free open port that is ready to use.
func GetFreePort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, err
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// WriteTempConfig creates a temporary configuration file in JSON or TOML format.
// It returns the path to the file and a cleanup function to remove it.
func WriteTempConfig(configData interface{}, format string) (filePath string, cleanupFunc func(), err error) {
	var data []byte
	var ext string

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
		ext = ".json"
	case "toml":
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(configData); err == nil {
			data = buf.Bytes()
		}
		ext = ".toml"
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}

	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	tmpFile, err := os.CreateTemp("", "testconfig-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp config file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to write to temp config file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", nil, fmt.Errorf("failed to close temp config file: %w", err)
	}

	filePath = tmpFile.Name()
	cleanupFunc = func() { os.Remove(filePath) }
	return filePath, cleanupFunc, nil
}

// ScriptStep is the server's answer to one request.
type ScriptStep struct {
	// Interim is written after the request header and before the body is read,
	// e.g. "HTTP/1.1 100 Continue\r\n\r\n".
	Interim string
	// Response is written verbatim once the request has been read.
	Response string
	// Close closes the connection after Response.
	Close bool
	// Reset drops the connection with a TCP reset instead of answering.
	Reset bool
}

// RecordedRequest is a request as the ScriptServer received it.
type RecordedRequest struct {
	Conn   int // index of the connection it arrived on
	Line   string
	Header textproto.MIMEHeader
	Body   []byte
}

// ScriptServer is a raw TCP server that answers requests with scripted bytes.
// Steps are consumed in order across all connections.
type ScriptServer struct {
	Addr string
	Host string
	Port uint16

	ln    net.Listener
	mu    sync.Mutex
	steps []ScriptStep
	reqs  []RecordedRequest
	conns int
	wg    sync.WaitGroup
}

// StartScriptServer starts a ScriptServer on 127.0.0.1 and stops it when the
// test ends.
func StartScriptServer(t *testing.T, steps ...ScriptStep) *ScriptServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	s := &ScriptServer{
		Addr:  ln.Addr().String(),
		Host:  addr.IP.String(),
		Port:  uint16(addr.Port),
		ln:    ln,
		steps: steps,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Stop)
	return s
}

// Stop closes the listener and waits for connection handlers to exit.
func (s *ScriptServer) Stop() {
	s.ln.Close()
	s.wg.Wait()
}

// Requests returns the requests received so far.
func (s *ScriptServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.reqs...)
}

// Connections returns the number of accepted connections.
func (s *ScriptServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *ScriptServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		idx := s.conns
		s.conns++
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(idx, conn)
		}()
	}
}

func (s *ScriptServer) nextStep() (ScriptStep, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return ScriptStep{}, false
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step, true
}

func (s *ScriptServer) serve(idx int, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	tp := textproto.NewReader(bufio.NewReader(conn))
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		hdr, err := tp.ReadMIMEHeader()
		if err != nil && err != io.EOF {
			return
		}
		step, ok := s.nextStep()
		if !ok {
			return
		}
		if step.Reset {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetLinger(0)
			}
			return
		}
		if step.Interim != "" {
			io.WriteString(conn, step.Interim)
		}

		var body []byte
		if n, err := strconv.Atoi(hdr.Get("Content-Length")); err == nil && n > 0 {
			body = make([]byte, n)
			if _, err := io.ReadFull(tp.R, body); err != nil {
				return
			}
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, RecordedRequest{Conn: idx, Line: line, Header: hdr, Body: body})
		s.mu.Unlock()

		if _, err := io.WriteString(conn, step.Response); err != nil {
			return
		}
		if step.Close {
			return
		}
	}
}

// Session drives a client.Client on a real event loop and records what
// happens to every operation.
type Session struct {
	Loop   *eventloop.Loop
	Client *client.Client

	// Events is a readable trace: "started N", "header CODE", "finished N BOOL", "done BOOL".
	Events    []string
	responses map[int]*ActualResponse
}

// NewSession creates a client with opts on a fresh loop.
func NewSession(opts ...client.Option) *Session {
	s := &Session{Loop: eventloop.New(nil), responses: make(map[int]*ActualResponse)}
	s.Client = client.New(s.Loop, opts...)
	c := s.Client
	byID := func(id int) *ActualResponse {
		r, ok := s.responses[id]
		if !ok {
			r = &ActualResponse{ID: id}
			s.responses[id] = r
		}
		return r
	}
	current := func() *ActualResponse { return byID(c.CurrentID()) }
	c.SetEvents(client.Events{
		RequestStarted: func(id int) {
			s.Events = append(s.Events, fmt.Sprintf("started %d", id))
		},
		ResponseHeaderReceived: func(resp header.ResponseHeader) {
			s.Events = append(s.Events, fmt.Sprintf("header %d", resp.StatusCode()))
			current().Header = resp
		},
		ReadyRead: func(header.ResponseHeader) {
			r := current()
			r.Body = append(r.Body, c.ReadAll()...)
		},
		RequestFinished: func(id int, failed bool) {
			s.Events = append(s.Events, fmt.Sprintf("finished %d %v", id, failed))
			r := byID(id)
			r.Finished = true
			r.Failed = failed
			if failed {
				r.Error = c.LastError()
			}
		},
		Done: func(failed bool) {
			s.Events = append(s.Events, fmt.Sprintf("done %v", failed))
			s.Loop.Stop()
		},
	})
	return s
}

// Run calls queue on the loop goroutine and runs the loop until the queue
// drains or timeout passes.
func (s *Session) Run(timeout time.Duration, queue func(c *client.Client)) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.Loop.Post(func() { queue(s.Client) })
	err := s.Loop.Run(ctx)
	s.Client.Shutdown()
	if err != nil {
		return fmt.Errorf("session did not finish within %v (events %v): %w", timeout, s.Events, err)
	}
	return nil
}

// Response returns what was recorded for operation id.
func (s *Session) Response(id int) *ActualResponse {
	return s.responses[id]
}
