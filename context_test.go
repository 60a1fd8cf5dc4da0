/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"bufio"
	"context"
	"strings"
	"testing"

	"github.com/badu/netcore/hdr"
)

func TestDecideConnectionType(t *testing.T) {
	cases := []struct {
		name       string
		major      int
		minor      int
		connection string
		upgrade    string
		want       connectionType
	}{
		{"http11 default keep-alive", 1, 1, "", "", connKeepAlive},
		{"http11 explicit close", 1, 1, "close", "", connClose},
		{"http10 default close", 1, 0, "", "", connClose},
		{"http10 explicit keep-alive", 1, 0, "keep-alive", "", connKeepAlive},
		{"upgrade wins", 1, 1, "upgrade", "websocket", connUpgrade},
		{"upgrade token without header ignored", 1, 1, "upgrade", "", connKeepAlive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := make(hdr.Header)
			if tc.connection != "" {
				h.Set(hdr.Connection, tc.connection)
			}
			if tc.upgrade != "" {
				h.Set(hdr.UpgradeHeader, tc.upgrade)
			}
			got := decideConnectionType(tc.major, tc.minor, h)
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeHeadParsesRequestLineAndHeaders(t *testing.T) {
	raw := "GET /foo?bar=1 HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	dc := newDateCache()
	defer dc.Close()
	c := newContext(dc)
	req, decoder, err := c.decodeHead(br)
	if err != nil {
		t.Fatal(err)
	}
	if req.Method != "GET" {
		t.Fatalf("method = %q", req.Method)
	}
	if req.URL.Path != "/foo" || req.URL.RawQuery != "bar=1" {
		t.Fatalf("url = %+v", req.URL)
	}
	if req.Host != "example.com" {
		t.Fatalf("host = %q", req.Host)
	}
	if req.ProtoMajor != 1 || req.ProtoMinor != 1 {
		t.Fatalf("proto = %d.%d", req.ProtoMajor, req.ProtoMinor)
	}
	if c.connType != connKeepAlive {
		t.Fatalf("connType = %v", c.connType)
	}
	if !decoder.isEOF() {
		t.Fatal("expected a zero-length body to already be EOF")
	}
}

func TestDecodeHeadRejectsMalformedRequestLine(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("NOT A REQUEST LINE AT ALL\r\n\r\n"))
	dc := newDateCache()
	defer dc.Close()
	c := newContext(dc)
	_, _, err := c.decodeHead(br)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(badRequestError); !ok {
		t.Fatalf("expected badRequestError, got %T: %v", err, err)
	}
}

func TestEncodeHeadContentLength(t *testing.T) {
	dc := newDateCache()
	defer dc.Close()
	c := newContext(dc)
	c.connType = connKeepAlive
	wb := newWriteBuf(false)
	res := NewResponse(200)
	res.Body = staticBody("hi")
	te := c.encodeHead(wb, res)
	out := string(wb.flat)
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line wrong: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 2\r\n") {
		t.Fatalf("missing content-length: %q", out)
	}
	if te.state != transferLength {
		t.Fatalf("expected transferLength, got %v", te.state)
	}
}

// staticBody is a minimal BodyStream for header-encoding tests.
type staticBody string

func (s staticBody) Next(ctx context.Context) ([]byte, error) { return nil, nil }
func (s staticBody) Size() int64                              { return int64(len(s)) }
