package header

import (
	"strconv"
	"strings"
)

// RequestHeader is a header whose first line is "METHOD TARGET HTTP/x.y".
// The zero value is invalid until SetRequest is called.
type RequestHeader struct {
	Header
	method string
	path   string
	major  int
	minor  int
}

// NewRequest returns a valid HTTP/1.1 request header.
func NewRequest(method, path string) RequestHeader {
	var r RequestHeader
	r.SetRequest(method, path, 1, 1)
	return r
}

// ParseRequest parses a full request header block.
func ParseRequest(text string) RequestHeader {
	r := RequestHeader{Header: New(), major: 1, minor: 1}
	r.parse(text, r.parseRequestLine)
	return r
}

func (r *RequestHeader) parseRequestLine(line string) bool {
	parts := strings.Split(simplifyWhitespace(line), " ")
	if len(parts) > 0 {
		r.method = parts[0]
	}
	if len(parts) > 1 {
		r.path = parts[1]
	}
	if len(parts) < 3 {
		return false
	}
	major, minor, ok := parseVersion(parts[2])
	if !ok {
		return false
	}
	r.major, r.minor = major, minor
	return true
}

// SetRequest sets the request line and marks the header valid.
func (r *RequestHeader) SetRequest(method, path string, major, minor int) {
	r.setValid(true)
	r.method = method
	r.path = path
	r.major = major
	r.minor = minor
}

func (r RequestHeader) Method() string { return r.method }
func (r RequestHeader) Path() string   { return r.path }
func (r RequestHeader) MajorVersion() int {
	return r.major
}
func (r RequestHeader) MinorVersion() int {
	return r.minor
}

// Clone returns a deep copy of r.
func (r RequestHeader) Clone() RequestHeader {
	c := r
	c.Header = r.Header.Clone()
	return c
}

// String renders the request line, the fields and the terminating blank line.
func (r RequestHeader) String() string {
	if !r.IsValid() {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.method)
	b.WriteByte(' ')
	b.WriteString(r.path)
	b.WriteString(" HTTP/")
	b.WriteString(strconv.Itoa(r.major))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(r.minor))
	b.WriteString("\r\n")
	r.writeFields(&b)
	b.WriteString("\r\n")
	return b.String()
}
