package client

import (
	"bytes"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"example.com/asynchttp/internal/header"
)

var errInvalidChunk = errors.New("invalid chunked encoding")

// byteSource is the part of a transport the body decoder reads from.
type byteSource interface {
	BytesAvailable() int64
	CanReadLine() bool
	ReadLine() []byte
	Read(p []byte) int
}

type framing int

const (
	framingNone framing = iota // no body
	framingLength
	framingChunked
	framingClose
)

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataCRLF
	chunkTrailer
	chunkDone
)

// bodyDecoder extracts body bytes from a byte source under one framing. It
// suspends whenever the source runs dry and resumes where it stopped.
type bodyDecoder struct {
	framing framing
	length  int64

	chunk     chunkState
	remaining int64
}

// reset selects the framing for resp. noBody forces an empty body.
func (d *bodyDecoder) reset(resp *header.ResponseHeader, noBody bool) {
	*d = bodyDecoder{}
	switch {
	case noBody:
		d.framing = framingNone
	case isChunked(resp):
		d.framing = framingChunked
	case resp.HasContentLength():
		d.framing = framingLength
		d.length = resp.ContentLength()
	default:
		d.framing = framingClose
	}
}

func isChunked(resp *header.ResponseHeader) bool {
	return httpguts.HeaderValuesContainsToken(resp.AllValues("Transfer-Encoding"), "chunked")
}

// chunkedSize reports the chunk cursor: -1 when not chunked or finished, -2
// while reading trailers, otherwise the bytes left in the current chunk.
func (d *bodyDecoder) chunkedSize() int64 {
	if d.framing != framingChunked {
		return -1
	}
	switch d.chunk {
	case chunkTrailer:
		return -2
	case chunkDone:
		return -1
	}
	return d.remaining
}

// finished reports whether the body is complete given delivered bytes.
func (d *bodyDecoder) finished(delivered int64) bool {
	switch d.framing {
	case framingNone:
		return true
	case framingLength:
		return delivered >= d.length
	case framingChunked:
		return d.chunk == chunkDone
	}
	return false
}

// decode consumes what src can supply. delivered is the number of body bytes
// already handed out for this response.
func (d *bodyDecoder) decode(src byteSource, delivered int64) (data []byte, done bool, err error) {
	switch d.framing {
	case framingNone:
		return nil, true, nil
	case framingLength:
		want := d.length - delivered
		if avail := src.BytesAvailable(); avail < want {
			want = avail
		}
		if want > 0 {
			data = make([]byte, want)
			data = data[:src.Read(data)]
		}
		return data, delivered+int64(len(data)) >= d.length, nil
	case framingClose:
		if avail := src.BytesAvailable(); avail > 0 {
			data = make([]byte, avail)
			data = data[:src.Read(data)]
		}
		return data, false, nil
	}
	return d.decodeChunked(src)
}

func (d *bodyDecoder) decodeChunked(src byteSource) ([]byte, bool, error) {
	var out bytes.Buffer
	for {
		switch d.chunk {
		case chunkSize:
			if !src.CanReadLine() {
				return out.Bytes(), false, nil
			}
			size, err := parseChunkSize(src.ReadLine())
			if err != nil {
				return out.Bytes(), false, err
			}
			if size == 0 {
				d.chunk = chunkTrailer
			} else {
				d.remaining = size
				d.chunk = chunkData
			}

		case chunkData:
			avail := src.BytesAvailable()
			if avail == 0 {
				return out.Bytes(), false, nil
			}
			n := d.remaining
			if avail < n {
				n = avail
			}
			buf := make([]byte, n)
			n = int64(src.Read(buf))
			out.Write(buf[:n])
			d.remaining -= n
			if d.remaining == 0 {
				d.chunk = chunkDataCRLF
			}

		case chunkDataCRLF:
			if src.BytesAvailable() < 2 {
				return out.Bytes(), false, nil
			}
			var crlf [2]byte
			src.Read(crlf[:])
			if crlf != [2]byte{'\r', '\n'} {
				return out.Bytes(), false, errInvalidChunk
			}
			d.chunk = chunkSize

		case chunkTrailer:
			if !src.CanReadLine() {
				return out.Bytes(), false, nil
			}
			if len(bytes.TrimRight(src.ReadLine(), "\r\n")) == 0 {
				d.chunk = chunkDone
			}

		case chunkDone:
			return out.Bytes(), true, nil
		}
	}
}

// parseChunkSize parses a hex chunk-size line, ignoring chunk extensions.
func parseChunkSize(line []byte) (int64, error) {
	s := string(line)
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errInvalidChunk
	}
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, errInvalidChunk
	}
	return n, nil
}
