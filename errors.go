/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"errors"
	"io"
	"net"
	"strings"
)

var (
	// ErrClosed names a peer closing (or resetting) the connection with no
	// request in flight, the ordinary way a keep-alive connection ends. The
	// dispatcher does not return it: ServeConn ends such a connection
	// quietly, without logging.
	ErrClosed = errors.New("h1: connection closed")

	// errRequestTooLarge mirrors the teacher's errTooLarge: the request
	// head exceeded the configured read limit before a full head was seen.
	errRequestTooLarge = errors.New("h1: request headers too large")

	// errBodyReadAfterClose mirrors the teacher's ErrBodyReadAfterClose.
	errBodyReadAfterClose = errors.New("h1: read from closed request body")
)

// badRequestError is a malformed request head. The dispatcher answers it
// with a bare 400 (no body) and closes the connection; the error's text is
// not written to the peer. Same shape as the teacher's badRequestError in
// conn.go.
type badRequestError string

func (e badRequestError) Error() string { return "h1: bad request: " + string(e) }

// isCommonNetReadError reports whether err is an ordinary way for a read to
// fail (peer hung up mid head) as opposed to a protocol violation worth a
// 400 reply. Mirrors conn.go's isCommonNetReadError in the teacher.
func isCommonNetReadError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
