/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/badu/netcore/hdr"
)

func TestIdentityDecoder(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("hello world, ignored trailer"))
	d := &identityDecoder{r: r, remaining: 11}
	buf, err := io.ReadAll(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello world" {
		t.Fatalf("got %q", buf)
	}
	if !d.isEOF() {
		t.Fatal("expected isEOF after remaining hits zero")
	}
}

func TestChunkedDecoder(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	d := &chunkedDecoder{r: bufio.NewReader(strings.NewReader(raw))}
	got, err := io.ReadAll(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
	if !d.isEOF() {
		t.Fatal("expected isEOF after terminating chunk")
	}
}

func TestChunkedDecoderTruncated(t *testing.T) {
	raw := "5\r\nhel"
	d := &chunkedDecoder{r: bufio.NewReader(strings.NewReader(raw))}
	_, err := io.ReadAll(d)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestRequestBodyCloseDrainsUnreadBytes(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("0123456789"))
	body := newRequestBody(&identityDecoder{r: r, remaining: 10})
	if err := body.Close(); err != nil {
		t.Fatal(err)
	}
	if body.EarlyClose() {
		t.Fatal("10 bytes is well under the early-close budget")
	}
	if _, err := body.Read(make([]byte, 1)); err != errBodyReadAfterClose {
		t.Fatalf("expected errBodyReadAfterClose, got %v", err)
	}
}

func TestNewBodyDecoderPicksChunkedOverContentLength(t *testing.T) {
	h := make(hdr.Header)
	h.Set(hdr.TransferEncoding, "chunked")
	h.Set(hdr.ContentLength, "5")
	d, err := newBodyDecoder(bufio.NewReader(strings.NewReader("")), h, "POST")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*chunkedDecoder); !ok {
		t.Fatalf("expected chunkedDecoder, got %T", d)
	}
}

func TestNewBodyDecoderGetHasNoBody(t *testing.T) {
	d, err := newBodyDecoder(bufio.NewReader(strings.NewReader("")), make(hdr.Header), "GET")
	if err != nil {
		t.Fatal(err)
	}
	if !d.isEOF() {
		t.Fatal("expected GET to produce an already-EOF decoder")
	}
}
