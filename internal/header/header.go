// Package header implements the HTTP/1.x header model: an ordered list of
// name/value fields with case-insensitive lookup, plus the request-line and
// status-line specializations used on the wire.
package header

import (
	"strconv"
	"strings"
)

// Field is a single header line. Name keeps the casing it was set with.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered, multi-valued set of header fields.
// Once a parse fails the header is permanently invalid.
//
// Read-only methods take a value receiver, so results such as
// Client.LastResponse() can be queried directly. A plain assignment copies
// the slice header only: mutating the copy through SetValue, AddValue or
// RemoveValue can change the original. Use Clone for an independent copy.
type Header struct {
	fields []Field
	valid  bool
}

// New returns an empty, valid header.
func New() Header {
	return Header{valid: true}
}

// Parse builds a header from a block of "Name: value" lines.
func Parse(text string) Header {
	h := New()
	h.parse(text, nil)
	return h
}

// lineParser handles the first line of a header block (request or status line).
type lineParser func(line string) bool

// parse splits text into logical lines and feeds them either to first (for
// line 0, when set) or to the generic field parser.
func (h *Header) parse(text string, first lineParser) bool {
	lines := splitLogicalLines(text)
	for i, line := range lines {
		ok := false
		if i == 0 && first != nil {
			ok = first(line)
		} else {
			ok = h.parseField(line)
		}
		if !ok {
			h.valid = false
			return false
		}
	}
	return true
}

// splitLogicalLines detects the terminator from the first "\n", trims the
// block, drops empty lines and folds continuation lines into their
// predecessor joined by a single space.
func splitLogicalLines(text string) []string {
	sep := "\n"
	if i := strings.IndexByte(text, '\n'); i > 0 && text[i-1] == '\r' {
		sep = "\r\n"
	}
	raw := strings.Split(strings.TrimSpace(text), sep)

	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += " " + strings.TrimSpace(line)
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func (h *Header) parseField(line string) bool {
	i := strings.IndexByte(line, ':')
	if i == -1 {
		return false
	}
	h.fields = append(h.fields, Field{
		Name:  strings.TrimSpace(line[:i]),
		Value: strings.TrimSpace(line[i+1:]),
	})
	return true
}

// IsValid reports whether the header parsed cleanly (or was built in code).
func (h Header) IsValid() bool {
	return h.valid
}

func (h *Header) setValid(v bool) {
	h.valid = v
}

// Fields returns a copy of all fields in insertion order.
func (h Header) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns a deep copy that shares no storage with h.
func (h Header) Clone() Header {
	c := Header{valid: h.valid}
	if h.fields != nil {
		c.fields = make([]Field, len(h.fields))
		copy(c.fields, h.fields)
	}
	return c
}

func (h Header) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return i
		}
	}
	return -1
}

// HasKey reports whether a field named name exists.
func (h Header) HasKey(name string) bool {
	return h.index(name) >= 0
}

// Value returns the first value for name, or "" if absent.
func (h Header) Value(name string) string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value
	}
	return ""
}

// AllValues returns every value for name in insertion order.
func (h Header) AllValues(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Keys returns the distinct field names using the casing first seen.
func (h Header) Keys() []string {
	var keys []string
	seen := make(map[string]struct{}, len(h.fields))
	for _, f := range h.fields {
		lk := strings.ToLower(f.Name)
		if _, ok := seen[lk]; ok {
			continue
		}
		seen[lk] = struct{}{}
		keys = append(keys, f.Name)
	}
	return keys
}

// SetValue replaces the first field named name in place, or appends one.
func (h *Header) SetValue(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Value = value
		return
	}
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// SetValues replaces the whole field list.
func (h *Header) SetValues(fields []Field) {
	h.fields = make([]Field, len(fields))
	copy(h.fields, fields)
}

// AddValue appends a field even if the name already exists.
func (h *Header) AddValue(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// RemoveValue removes the first field named name.
func (h *Header) RemoveValue(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// RemoveAllValues removes every field named name.
func (h *Header) RemoveAllValues(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// HasContentLength reports whether a Content-Length field is present.
func (h Header) HasContentLength() bool {
	return h.HasKey("Content-Length")
}

// ContentLength returns the Content-Length value, 0 if absent or malformed.
func (h Header) ContentLength() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(h.Value("Content-Length")), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// SetContentLength sets Content-Length to n.
func (h *Header) SetContentLength(n int64) {
	h.SetValue("Content-Length", strconv.FormatInt(n, 10))
}

// HasContentType reports whether a Content-Type field is present.
func (h Header) HasContentType() bool {
	return h.HasKey("Content-Type")
}

// ContentType returns the media type without parameters.
func (h Header) ContentType() string {
	v := h.Value("Content-Type")
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

// SetContentType sets the Content-Type field.
func (h *Header) SetContentType(v string) {
	h.SetValue("Content-Type", v)
}

// String renders the fields as "Name: Value\r\n" lines. An invalid header
// renders as the empty string.
func (h Header) String() string {
	if !h.valid {
		return ""
	}
	var b strings.Builder
	h.writeFields(&b)
	return b.String()
}

func (h Header) writeFields(b *strings.Builder) {
	for _, f := range h.fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
}

// simplifyWhitespace trims s and collapses internal whitespace runs to one space.
func simplifyWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// parseVersion accepts "HTTP/d.d" and returns major, minor.
func parseVersion(v string) (int, int, bool) {
	if len(v) < 8 || !strings.HasPrefix(v, "HTTP/") || v[6] != '.' {
		return 0, 0, false
	}
	if !isDigit(v[5]) || !isDigit(v[7]) {
		return 0, 0, false
	}
	return int(v[5] - '0'), int(v[7] - '0'), true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
