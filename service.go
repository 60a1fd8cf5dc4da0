/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/badu/netcore/hdr"
	"github.com/badu/netcore/url"
)

// Request is the spec's Request: everything the dispatcher extracted from
// one head, plus the RequestBody the service consumes.
type Request struct {
	Method        string
	URL           *url.URL
	Proto         string
	ProtoMajor    int
	ProtoMinor    int
	Header        hdr.Header
	Body          *RequestBody
	ContentLength int64
	Host          string
	RemoteAddr    string
	TLS           *tls.ConnectionState

	ctx context.Context
}

func (r *Request) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// ExpectsContinue reports the spec's expect-continue flag.
func (r *Request) ExpectsContinue() bool {
	return hdr.TrimString(r.Header.Get(hdr.Expect)) == "100-continue"
}

// BodyStream is the spec's Stream<Item=Result<Bytes,E>>: a response body
// producer the dispatcher drains chunk by chunk. Next returns io.EOF (from
// the "io" package) to signal the body is exhausted; any other error is
// fatal for the connection per spec §7.
type BodyStream interface {
	Next(ctx context.Context) ([]byte, error)
	// Size is the spec's body.size() hint: >=0 for a known Content-Length,
	// -1 for unknown/streamed (chunked or close-delimited).
	Size() int64
}

// Response is the spec's Response: a status, headers and a body producer.
type Response struct {
	StatusCode int
	Header     hdr.Header
	Body       BodyStream
}

// NewResponse builds a Response with an empty header map, the way handlers
// in the teacher's response.go always start from make(hdr.Header).
func NewResponse(status int) *Response {
	return &Response{StatusCode: status, Header: make(hdr.Header)}
}

func (r *Response) bodySize() int64 {
	if r.Body == nil {
		return 0
	}
	return r.Body.Size()
}

// Service is the spec's Service<Req>: the single async (here: blocking,
// called from the connection's own goroutine) operation a dispatcher drives
// per request.
type Service interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}

// ServiceFunc adapts a plain function to a Service, the same convenience
// net/http gives handlers via HandlerFunc.
type ServiceFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ServiceFunc) Call(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ResponseError is the spec's ResponseError<R>: an error type that knows how
// to turn itself into a well-formed Response instead of reaching the
// dispatcher's own fatal-error path.
type ResponseError interface {
	error
	ResponseError() *Response
}

// responseError converts any error returned by a Service or ExpectHandler
// into a Response, falling back to a bare 500 for errors that don't
// implement ResponseError — this never reaches the dispatcher's connection
// teardown path, matching spec §7 ("Service error: recovered locally").
func responseError(err error) *Response {
	if re, ok := err.(ResponseError); ok {
		return re.ResponseError()
	}
	return NewResponse(500)
}

// ExpectHandler is the spec's X service: it may replace the request (e.g.
// with a body wrapper) before the dispatcher emits "100 Continue".
type ExpectHandler interface {
	Expect(ctx context.Context, req *Request) (*Request, error)
}

// UpgradeHandler is the spec's U service: given the now-hijacked net.Conn
// and the request that asked to upgrade, it owns the connection from then
// on. Not named as a concrete job in the distilled spec (xitca's U type
// parameter goes unused in the excerpted dispatcher); supplemented here the
// way the teacher wires ALPN next-protocols in conn.go's TLSNextProto hook,
// generalized from ALPN names to HTTP Upgrade: tokens.
type UpgradeHandler interface {
	Upgrade(conn net.Conn, req *Request)
}

// Flow is the spec's HttpFlow<S,X,U>: the triad of user services shared by
// reference across every connection the dispatcher serves.
type Flow struct {
	Service  Service
	Expect   ExpectHandler
	Upgrades map[string]UpgradeHandler // lower-cased Upgrade: token -> handler
}

func (f *Flow) upgradeFor(token string) UpgradeHandler {
	if f.Upgrades == nil {
		return nil
	}
	return f.Upgrades[token]
}
