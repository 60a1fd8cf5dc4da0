/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import "testing"

func TestTransferEncodingLength(t *testing.T) {
	wb := newWriteBuf(false)
	te := newTransferEncoding(5, true)
	if te.state != transferLength {
		t.Fatalf("expected transferLength, got %v", te.state)
	}
	if err := te.Encode([]byte("hel"), wb); err != nil {
		t.Fatal(err)
	}
	if err := te.Encode([]byte("lo"), wb); err != nil {
		t.Fatal(err)
	}
	if err := te.EncodeEOF(wb); err != nil {
		t.Fatal(err)
	}
	if got := string(wb.flat); got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestTransferEncodingLengthShortBody(t *testing.T) {
	wb := newWriteBuf(false)
	te := newTransferEncoding(5, true)
	if err := te.Encode([]byte("hi"), wb); err != nil {
		t.Fatal(err)
	}
	if err := te.EncodeEOF(wb); err != errShortBody {
		t.Fatalf("expected errShortBody, got %v", err)
	}
}

func TestTransferEncodingChunked(t *testing.T) {
	wb := newWriteBuf(false)
	te := newTransferEncoding(-1, true)
	if te.state != transferChunked {
		t.Fatalf("expected transferChunked, got %v", te.state)
	}
	if err := te.Encode([]byte("abc"), wb); err != nil {
		t.Fatal(err)
	}
	if err := te.EncodeEOF(wb); err != nil {
		t.Fatal(err)
	}
	want := "3\r\nabc\r\n0\r\n\r\n"
	if got := string(wb.flat); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTransferEncodingRaw(t *testing.T) {
	wb := newWriteBuf(false)
	te := newTransferEncoding(-1, false)
	if te.state != transferRaw {
		t.Fatalf("expected transferRaw, got %v", te.state)
	}
	if err := te.Encode([]byte("xyz"), wb); err != nil {
		t.Fatal(err)
	}
	if err := te.EncodeEOF(wb); err != nil {
		t.Fatal(err)
	}
	if got := string(wb.flat); got != "xyz" {
		t.Fatalf("got %q", got)
	}
}
