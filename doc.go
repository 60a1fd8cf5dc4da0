/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package h1 is a connection dispatcher for HTTP/1.x: it parses requests off
// a net.Conn, drives a user supplied Service, and streams the response back
// while managing keep-alive, expect-continue and upgrade lifecycle on a
// single byte-stream connection.
//
// It does not open listeners, route paths or negotiate TLS; callers hand it
// a Flow of services plus either a listener they opened (Dispatcher.Serve
// runs the accept loop) or an already-accepted net.Conn, post
// TLS-handshake if any (Dispatcher.ServeConn).
package h1
