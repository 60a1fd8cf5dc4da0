/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/badu/netcore/hdr"
)

// maxPostHandlerReadBytes bounds how much of an unread body RequestBody.Close
// will drain in order to let the connection be reused; same budget and
// rationale as the teacher's maxPostHandlerReadBytes.
const maxPostHandlerReadBytes = 256 << 10

// requestBodyDecoder is the spec's body decoder half of RequestBodyHandle: it
// knows how to pull exactly the bytes belonging to one request body out of
// the connection's shared bufio.Reader.
type requestBodyDecoder interface {
	io.Reader
	// isEOF reports whether the decoder has already delivered the whole
	// body (a zero Content-Length, or a GET/HEAD with no body at all).
	// RequestBody.Close uses it to skip draining a body that is already
	// complete; a decoder that is EOF from the start makes a RequestBody
	// whose first Read returns io.EOF.
	isEOF() bool
}

// identityDecoder implements Content-Length framing.
type identityDecoder struct {
	r         *bufio.Reader
	remaining int64
}

func (d *identityDecoder) Read(p []byte) (int, error) {
	if d.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > d.remaining {
		p = p[:d.remaining]
	}
	n, err := d.r.Read(p)
	d.remaining -= int64(n)
	if err == io.EOF && d.remaining > 0 {
		// the stream ended before Content-Length bytes arrived.
		err = io.ErrUnexpectedEOF
	}
	if err == nil && d.remaining == 0 {
		err = io.EOF
	}
	return n, err
}

func (d *identityDecoder) isEOF() bool { return d.remaining <= 0 }

// chunkedDecoder implements Transfer-Encoding: chunked framing, the same
// algorithm the teacher's utils_chunks.go readChunkLine helper feeds into,
// rewritten as a self-contained io.Reader instead of a free function plus
// loose state on transferReader.
type chunkedDecoder struct {
	r        *bufio.Reader
	n        uint64 // bytes left in the current chunk
	sawEOF   bool
	readSize bool // not set by the decoder; n > 0 is what marks it as mid-chunk
	err      error
}

func (c *chunkedDecoder) isEOF() bool { return c.sawEOF }

func (c *chunkedDecoder) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	for c.n == 0 {
		if c.sawEOF {
			return 0, io.EOF
		}
		if err := c.beginChunk(); err != nil {
			c.err = err
			return 0, err
		}
	}
	if uint64(len(p)) > c.n {
		p = p[:c.n]
	}
	n, err := c.r.Read(p)
	c.n -= uint64(n)
	if err == io.EOF {
		// the underlying stream ran out mid-chunk: that's a protocol
		// violation, not a legitimate end of body.
		err = io.ErrUnexpectedEOF
	}
	if err == nil && c.n == 0 {
		// consume the trailing CRLF after the chunk data.
		_, err = c.r.Discard(2)
	}
	c.err = err
	return n, err
}

func (c *chunkedDecoder) beginChunk() error {
	line, err := readChunkLine(c.r)
	if err != nil {
		return err
	}
	size, err := parseChunkSize(line)
	if err != nil {
		return err
	}
	if size == 0 {
		c.sawEOF = true
		return c.readTrailer()
	}
	c.n = size
	return nil
}

// readTrailer drains the trailer header block (usually just the final
// blank line) after the terminating 0-size chunk.
func (c *chunkedDecoder) readTrailer() error {
	for {
		line, err := readChunkLine(c.r)
		if err != nil {
			return err
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			return nil
		}
	}
}

const maxChunkLineLength = 4096

var errChunkLineTooLong = errors.New("h1: chunk header line too long")
var errMalformedChunkSize = errors.New("h1: malformed chunk size")

// readChunkLine reads up to and including the next "\r\n", bounded so a
// hostile peer can't make us buffer forever. Same shape as the teacher's
// utils_chunks.go helper of the same name.
func readChunkLine(b *bufio.Reader) ([]byte, error) {
	p, err := b.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		} else if err == bufio.ErrBufferFull {
			err = errChunkLineTooLong
		}
		return nil, err
	}
	if len(p) >= maxChunkLineLength {
		return nil, errChunkLineTooLong
	}
	return p, nil
}

func parseChunkSize(line []byte) (uint64, error) {
	line = bytes.TrimRight(line, "\r\n")
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i] // chunk extensions are ignored, same as the teacher.
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, errMalformedChunkSize
	}
	n, err := strconv.ParseUint(string(line), 16, 64)
	if err != nil {
		return 0, errMalformedChunkSize
	}
	return n, nil
}

// eofDecoder represents a request declared to carry no body at all.
type eofDecoder struct{}

func (eofDecoder) Read([]byte) (int, error) { return 0, io.EOF }
func (eofDecoder) isEOF() bool              { return true }

// newBodyDecoder inspects the parsed headers and picks a requestBodyDecoder,
// mirroring the Context::decode_head logic the spec assigns to the
// dispatcher: Transfer-Encoding: chunked wins over Content-Length; a method
// that never carries a body (or an explicit "Content-Length: 0") gets the
// eofDecoder, which is EOF from the start.
func newBodyDecoder(r *bufio.Reader, h hdr.Header, method string) (requestBodyDecoder, error) {
	if methodNeverHasBody(method) {
		return eofDecoder{}, nil
	}
	if te := h.Get(hdr.TransferEncoding); te != "" {
		if te != "chunked" {
			return nil, badRequestError("unsupported transfer-encoding")
		}
		return &chunkedDecoder{r: r}, nil
	}
	cl := h.Get(hdr.ContentLength)
	if cl == "" {
		return eofDecoder{}, nil
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n < 0 {
		return nil, badRequestError("invalid content-length")
	}
	if n == 0 {
		return eofDecoder{}, nil
	}
	return &identityDecoder{r: r, remaining: n}, nil
}

func methodNeverHasBody(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return true
	default:
		return false
	}
}

// RequestBody is the spec's RequestBody: a lazy byte stream the dispatcher
// sets up from the wire and the service consumes. Under Go's blocking-I/O
// goroutine-per-connection model there is no separate decoder/sender pump:
// the decoder reads straight from the connection's shared bufio.Reader, and
// because HTTP/1 allows only one outstanding request per connection (the
// spec's own invariant) at most one goroutine — whichever is running the
// service call — ever calls Read at a time. See DESIGN.md for the full
// rationale.
type RequestBody struct {
	decoder    requestBodyDecoder
	closed     bool
	earlyClose bool
}

func newRequestBody(d requestBodyDecoder) *RequestBody {
	return &RequestBody{decoder: d}
}

func (b *RequestBody) Read(p []byte) (int, error) {
	if b.closed {
		return 0, errBodyReadAfterClose
	}
	return b.decoder.Read(p)
}

// Close drains any unread body (bounded) so the connection can be reused,
// exactly like the teacher's body.Close/doEarlyClose dance.
func (b *RequestBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.decoder.isEOF() {
		return nil
	}
	n, err := io.CopyN(io.Discard, b.decoder, maxPostHandlerReadBytes)
	if err == io.EOF {
		err = nil
	}
	if n == maxPostHandlerReadBytes {
		b.earlyClose = true
	}
	return err
}

// EarlyClose reports whether Close gave up before reaching the body's end;
// the dispatcher uses this to decide the connection is unsafe to reuse.
func (b *RequestBody) EarlyClose() bool { return b.earlyClose }

// remains reports whether this body might still yield data, mirroring the
// teacher's requestBodyRemains helper used to decide whether to keep the
// background reader armed.
func (b *RequestBody) remains() bool { return !b.decoder.isEOF() }
