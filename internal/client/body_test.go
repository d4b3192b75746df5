package client

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/asynchttp/internal/header"
)

// bufSource is a byteSource over an in-memory buffer that can be refilled.
type bufSource struct{ bytes.Buffer }

func (b *bufSource) BytesAvailable() int64 { return int64(b.Len()) }
func (b *bufSource) CanReadLine() bool     { return bytes.IndexByte(b.Bytes(), '\n') >= 0 }
func (b *bufSource) ReadLine() []byte {
	i := bytes.IndexByte(b.Bytes(), '\n')
	if i < 0 {
		return nil
	}
	return append([]byte(nil), b.Next(i+1)...)
}
func (b *bufSource) Read(p []byte) int {
	n, _ := b.Buffer.Read(p)
	return n
}

func responseWith(fields ...string) *header.ResponseHeader {
	r := header.NewResponse(200, "OK")
	for i := 0; i+1 < len(fields); i += 2 {
		r.AddValue(fields[i], fields[i+1])
	}
	return &r
}

// feedSplit feeds input in pieces of the given sizes (the last size repeats)
// and returns everything decoded plus whether the end was reached.
func feedSplit(t *testing.T, d *bodyDecoder, input string, sizes ...int) (string, bool) {
	t.Helper()
	var src bufSource
	var out bytes.Buffer
	done := false
	for pos, i := 0, 0; pos < len(input); i++ {
		n := sizes[len(sizes)-1]
		if i < len(sizes) {
			n = sizes[i]
		}
		if pos+n > len(input) {
			n = len(input) - pos
		}
		src.WriteString(input[pos : pos+n])
		pos += n

		data, fin, err := d.decode(&src, int64(out.Len()))
		require.NoError(t, err)
		out.Write(data)
		if fin {
			done = true
		}
	}
	return out.String(), done
}

const helloWorldChunked = "5\r\nhello\r\n5\r\nworld\r\n0\r\n\r\n"

func TestBodyDecoder_ChunkedByteByByte(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith("Transfer-Encoding", "chunked"), false)
	require.Equal(t, framingChunked, d.framing)

	got, done := feedSplit(t, &d, helloWorldChunked, 1)
	assert.Equal(t, "helloworld", got)
	assert.True(t, done)
	assert.Equal(t, int64(-1), d.chunkedSize())
}

func TestBodyDecoder_ChunkedAnySplit(t *testing.T) {
	for first := 1; first < len(helloWorldChunked); first++ {
		for _, rest := range []int{1, 2, 3, 7, len(helloWorldChunked)} {
			var d bodyDecoder
			d.reset(responseWith("Transfer-Encoding", "gzip, chunked"), false)
			got, done := feedSplit(t, &d, helloWorldChunked, first, rest)
			assert.Equal(t, "helloworld", got, "split %d/%d", first, rest)
			assert.True(t, done, "split %d/%d", first, rest)
		}
	}
}

func TestBodyDecoder_ChunkExtensionsAndTrailers(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith("Transfer-Encoding", "Chunked"), false)
	in := "A;name=value\r\n0123456789\r\n0\r\nX-Trailer: yes\r\nX-Other: 1\r\n\r\n"

	got, done := feedSplit(t, &d, in, 4)
	assert.Equal(t, "0123456789", got)
	assert.True(t, done)
}

func TestBodyDecoder_ChunkCursor(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith("Transfer-Encoding", "chunked"), false)
	var src bufSource

	src.WriteString("5\r\nhel")
	data, done, err := d.decode(&src, 0)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(data))
	assert.False(t, done)
	assert.Equal(t, int64(2), d.chunkedSize())

	src.WriteString("lo\r\n0\r\n")
	data, done, err = d.decode(&src, 3)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(data))
	assert.False(t, done)
	assert.Equal(t, int64(-2), d.chunkedSize(), "reading trailers")
	assert.False(t, d.finished(5))

	src.WriteString("\r\n")
	_, done, err = d.decode(&src, 5)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, d.finished(5))
}

func TestBodyDecoder_ChunkedErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad size", "zz\r\nhello\r\n"},
		{"empty size", "\r\nhello\r\n"},
		{"negative size", "-5\r\nhello\r\n"},
		{"missing CRLF after data", "5\r\nhelloXX0\r\n\r\n"},
		{"LF only after data", "5\r\nhello\n0\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d bodyDecoder
			d.reset(responseWith("Transfer-Encoding", "chunked"), false)
			var src bufSource
			src.WriteString(tt.input)
			_, _, err := d.decode(&src, 0)
			assert.ErrorIs(t, err, errInvalidChunk)
		})
	}
}

func TestBodyDecoder_ContentLength(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith("Content-Length", "10"), false)
	require.Equal(t, framingLength, d.framing)

	var src bufSource
	src.WriteString("01234")
	data, done, err := d.decode(&src, 0)
	require.NoError(t, err)
	assert.Equal(t, "01234", string(data))
	assert.False(t, done)

	src.WriteString("56789EXTRA")
	data, done, err = d.decode(&src, 5)
	require.NoError(t, err)
	assert.Equal(t, "56789", string(data))
	assert.True(t, done)
	assert.Equal(t, int64(5), src.BytesAvailable(), "bytes past the body stay in the source")
}

func TestBodyDecoder_ZeroLengthIsDone(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith("Content-Length", "0"), false)
	var src bufSource
	data, done, err := d.decode(&src, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.True(t, done)
}

func TestBodyDecoder_CloseDelimited(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith(), false)
	require.Equal(t, framingClose, d.framing)

	var src bufSource
	src.WriteString("some bytes")
	data, done, err := d.decode(&src, 0)
	require.NoError(t, err)
	assert.Equal(t, "some bytes", string(data))
	assert.False(t, done, "only closure ends the body")
	assert.False(t, d.finished(10))
}

func TestBodyDecoder_NoBody(t *testing.T) {
	var d bodyDecoder
	d.reset(responseWith("Content-Length", "100", "Transfer-Encoding", "chunked"), true)
	assert.Equal(t, framingNone, d.framing)
	_, done, err := d.decode(&bufSource{}, 0)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		line string
		want int64
		ok   bool
	}{
		{"0\r\n", 0, true},
		{"1a\r\n", 26, true},
		{"FF;ext=1\r\n", 255, true},
		{"  10  \r\n", 16, true},
		{"g\r\n", 0, false},
		{";ext\r\n", 0, false},
	}
	for _, tt := range tests {
		got, err := parseChunkSize([]byte(tt.line))
		if !tt.ok {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}
