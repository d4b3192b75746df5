package header

import (
	"strconv"
	"strings"
)

// ResponseHeader is a header whose first line is "HTTP/x.y CODE REASON".
// The zero value is invalid until SetStatusLine is called.
type ResponseHeader struct {
	Header
	statusCode int
	reason     string
	major      int
	minor      int
}

// NewResponse returns a valid HTTP/1.1 response header.
func NewResponse(code int, reason string) ResponseHeader {
	var r ResponseHeader
	r.SetStatusLine(code, reason, 1, 1)
	return r
}

// ParseResponse parses a full response header block.
func ParseResponse(text string) ResponseHeader {
	r := ResponseHeader{Header: New()}
	r.parse(text, r.parseStatusLine)
	return r
}

func (r *ResponseHeader) parseStatusLine(line string) bool {
	l := simplifyWhitespace(line)
	if len(l) < 10 {
		return false
	}
	major, minor, ok := parseVersion(l[:8])
	if !ok || l[8] != ' ' || !isDigit(l[9]) {
		return false
	}

	rest := l[9:]
	codeText, reason, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return false
	}
	r.major, r.minor = major, minor
	r.statusCode = code
	r.reason = reason
	return true
}

// SetStatusLine sets the status line and marks the header valid.
func (r *ResponseHeader) SetStatusLine(code int, reason string, major, minor int) {
	r.setValid(true)
	r.statusCode = code
	r.reason = reason
	r.major = major
	r.minor = minor
}

func (r ResponseHeader) StatusCode() int      { return r.statusCode }
func (r ResponseHeader) ReasonPhrase() string { return r.reason }
func (r ResponseHeader) MajorVersion() int    { return r.major }
func (r ResponseHeader) MinorVersion() int    { return r.minor }

// Clone returns a deep copy of r.
func (r ResponseHeader) Clone() ResponseHeader {
	c := r
	c.Header = r.Header.Clone()
	return c
}

// String renders the status line, the fields and the terminating blank line.
func (r ResponseHeader) String() string {
	if !r.IsValid() {
		return ""
	}
	var b strings.Builder
	b.WriteString("HTTP/")
	b.WriteString(strconv.Itoa(r.major))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(r.minor))
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(r.statusCode))
	b.WriteByte(' ')
	b.WriteString(r.reason)
	b.WriteString("\r\n")
	r.writeFields(&b)
	b.WriteString("\r\n")
	return b.String()
}
