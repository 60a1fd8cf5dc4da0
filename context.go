/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/badu/netcore/hdr"
	"github.com/badu/netcore/url"
)

// connectionType is the spec's ConnectionType: Init is the value a Context
// carries before a request has been decoded; the rest mirror the spec's
// Close/KeepAlive/Upgrade(token) cases exactly.
type connectionType int

const (
	connInit connectionType = iota
	connClose
	connKeepAlive
	connUpgrade
)

// connState is the spec's Context: per-connection decode/encode state
// carried across requests, distinct from Go's context.Context (which
// Request.ctx holds separately for cancellation).
type connState struct {
	connType       connectionType
	expectContinue bool
	date           *dateCache
}

func newContext(dc *dateCache) *connState {
	return &connState{connType: connInit, date: dc}
}

const maxHeaderLineLen = 8 * 1024
const maxHeaderLines = 256

// decodeHead is the spec's Context::decode_head: it reads exactly one
// request line + header block off r, classifies the connection type and
// expect-continue state, and builds the requestBodyDecoder for whatever
// comes after. It never reads body bytes.
func (c *connState) decodeHead(r *bufio.Reader) (*Request, requestBodyDecoder, error) {
	line, err := readHeaderLine(r)
	if err != nil {
		return nil, nil, err
	}
	method, rawURL, proto, err := parseRequestLine(line)
	if err != nil {
		return nil, nil, badRequestError(err.Error())
	}
	major, minor, ok := parseHTTPVersion(proto)
	if !ok {
		return nil, nil, badRequestError("malformed HTTP version")
	}

	h := make(hdr.Header)
	for i := 0; ; i++ {
		if i >= maxHeaderLines {
			return nil, nil, badRequestError("too many header lines")
		}
		line, err := readHeaderLine(r)
		if err != nil {
			return nil, nil, err
		}
		if len(line) == 0 {
			break
		}
		key, val, err := parseHeaderLine(line)
		if err != nil {
			return nil, nil, badRequestError(err.Error())
		}
		h.Add(key, val)
	}

	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		if method == "CONNECT" {
			u = &url.URL{Opaque: rawURL}
		} else {
			return nil, nil, badRequestError("malformed request URI")
		}
	}

	c.connType = decideConnectionType(major, minor, h)
	c.expectContinue = hdr.TrimString(h.Get(hdr.Expect)) == "100-continue"

	cl := int64(-1)
	if v := h.Get(hdr.ContentLength); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cl = n
		}
	}

	req := &Request{
		Method:        method,
		URL:           u,
		Proto:         proto,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        h,
		ContentLength: cl,
		Host:          firstNonEmpty(h.Get(hdr.Host), u.Host),
	}

	decoder, err := newBodyDecoder(r, h, method)
	if err != nil {
		return nil, nil, err
	}
	return req, decoder, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// decideConnectionType mirrors the spec's decision table: HTTP/1.1 defaults
// to keep-alive unless "Connection: close" is present; HTTP/1.0 defaults to
// close unless "Connection: keep-alive" is present; an Upgrade: header with
// "Connection: upgrade" takes priority over both defaults.
func decideConnectionType(major, minor int, h hdr.Header) connectionType {
	conn := strings.ToLower(hdr.TrimString(h.Get(hdr.Connection)))
	tokens := splitTokens(conn)

	if containsToken(tokens, "upgrade") {
		if up := hdr.TrimString(h.Get(hdr.UpgradeHeader)); up != "" {
			return connUpgrade
		}
	}
	if containsToken(tokens, "close") {
		return connClose
	}
	if containsToken(tokens, "keep-alive") {
		return connKeepAlive
	}
	if major == 1 && minor >= 1 {
		return connKeepAlive
	}
	return connClose
}

func splitTokens(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsToken(tokens []string, want string) bool {
	for _, t := range tokens {
		if t == want {
			return true
		}
	}
	return false
}

// encodeContinue writes the "100 Continue" interim response, the spec's
// Context::encode_continue.
func (c *connState) encodeContinue(wb *writeBuf) {
	wb.Append([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
}

// encodeHead is the spec's Context::encode_head: it writes the status line
// and headers, deciding between Content-Length, chunked and close-delimited
// framing, and returns the transferEncoding the caller must then Encode the
// body through.
func (c *connState) encodeHead(wb *writeBuf, res *Response) *transferEncoding {
	keepAlive := c.connType == connKeepAlive
	size := res.bodySize()

	wb.Append([]byte(fmt.Sprintf("HTTP/1.1 %03d %s\r\n", res.StatusCode, statusText(res.StatusCode))))

	te := newTransferEncoding(size, keepAlive)
	switch te.state {
	case transferLength:
		wb.Append([]byte(hdr.ContentLength))
		wb.Append([]byte(": "))
		wb.Append([]byte(strconv.FormatInt(size, 10)))
		wb.Append(crlf)
	case transferChunked:
		wb.Append([]byte(hdr.TransferEncoding))
		wb.Append([]byte(": chunked\r\n"))
	case transferRaw:
		keepAlive = false
	}

	if !keepAlive {
		wb.Append([]byte("Connection: close\r\n"))
	}

	wb.Append([]byte("Date: "))
	wb.Append(c.date.Get())
	wb.Append(crlf)

	for k, vs := range res.Header {
		for _, v := range vs {
			wb.Append([]byte(k))
			wb.Append([]byte(": "))
			wb.Append([]byte(v))
			wb.Append(crlf)
		}
	}
	wb.Append(crlf)

	if !keepAlive && size < 0 {
		return newTransferEncoding(-1, false)
	}
	return te
}

// readHeaderLine reads one CRLF-terminated line from r with the trailing
// CRLF stripped, bounded the way the teacher bounds request lines to defend
// against slow-loris-style unbounded header buffering.
func readHeaderLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			return nil, errRequestTooLarge
		}
		return nil, err
	}
	if len(line) > maxHeaderLineLen {
		return nil, errRequestTooLarge
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func parseRequestLine(line []byte) (method, rawURL, proto string, err error) {
	parts := strings.Fields(string(line))
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed request line")
	}
	return parts[0], parts[1], parts[2], nil
}

func parseHTTPVersion(proto string) (major, minor int, ok bool) {
	const prefix = "HTTP/"
	if !strings.HasPrefix(proto, prefix) {
		return 0, 0, false
	}
	rest := proto[len(prefix):]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(rest[:dot])
	min, err2 := strconv.Atoi(rest[dot+1:])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

func parseHeaderLine(line []byte) (key, value string, err error) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return "", "", fmt.Errorf("malformed header line")
	}
	key = hdr.CanonicalHeaderKey(string(line[:i]))
	if !hdr.ValidHeaderFieldName(key) {
		return "", "", fmt.Errorf("invalid header field name")
	}
	value = hdr.TrimString(string(line[i+1:]))
	if !hdr.ValidHeaderFieldValue(value) {
		return "", "", fmt.Errorf("invalid header field value")
	}
	return key, value, nil
}
