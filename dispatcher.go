/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package h1

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/badu/netcore/hdr"
	"github.com/sirupsen/logrus"
)

// Dispatcher is the spec's connection dispatcher entry point: it owns the
// shared Flow of services and the process-wide DateCache, and spawns one
// conn per accepted net.Conn, the same division of labor as the teacher's
// Server/conn split in types_server.go and conn.go.
type Dispatcher struct {
	Flow *Flow

	// ReadHeaderTimeout bounds how long a connection may sit idle waiting
	// for the next request's head before the dispatcher gives up on it,
	// the spec's KeepAliveTimer deadline.
	ReadHeaderTimeout time.Duration
	// WriteTimeout bounds a single response write.
	WriteTimeout time.Duration

	Log *logrus.Entry

	date     *dateCache
	dateOnce sync.Once
}

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultWriteTimeout      = 30 * time.Second
)

func (d *Dispatcher) logger() *logrus.Entry {
	if d.Log != nil {
		return d.Log
	}
	return logrus.WithField("component", "h1")
}

func (d *Dispatcher) dateCacheRef() *dateCache {
	d.dateOnce.Do(func() { d.date = newDateCache() })
	return d.date
}

// Serve runs the accept loop against l, spawning a goroutine per connection
// the way the teacher's Server.Serve does, and returns only when Accept
// fails permanently (listener closed).
func (d *Dispatcher) Serve(l net.Listener) error {
	log := d.logger()
	var tempDelay time.Duration
	for {
		rwc, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				log.WithError(err).Warn("h1: accept error, retrying")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go d.ServeConn(rwc)
	}
}

// ServeConn runs the connection's full lifetime: every request it handles,
// until the peer or the dispatcher decides to close. It recovers panics
// from the Service the same way the teacher's conn.serve recovers handler
// panics, logging and closing the connection rather than crashing the
// process.
func (d *Dispatcher) ServeConn(rwc net.Conn) {
	log := d.logger().WithField("remote", rwc.RemoteAddr().String())
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("h1: service panic, closing connection")
		}
		rwc.Close()
	}()

	c := &conn{
		d:    d,
		rwc:  rwc,
		br:   bufio.NewReaderSize(rwc, 4096),
		wb:   newWriteBuf(isWriteVectored(rwc)),
		ctx:  newContext(d.dateCacheRef()),
		ka:   newKeepAlive(rwc, d.ReadHeaderTimeout),
		log:  log,
		flow: d.Flow,
	}

	if tc, ok := rwc.(interface {
		ConnectionState() tls.ConnectionState
	}); ok {
		state := tc.ConnectionState()
		c.tlsState = &state
	}

	c.serve()
}

// conn is the spec's per-connection actor: it owns the read/write buffers,
// the Context decode/encode state and the keep-alive timer, and drives
// requests through the Flow one at a time — HTTP/1 pipelining is read
// eagerly off the wire by the peer but serviced strictly in order, so there
// is never more than one in-flight Request/Response pair per connection.
type conn struct {
	d        *Dispatcher
	rwc      net.Conn
	br       *bufio.Reader
	wb       *writeBuf
	ctx      *connState
	ka       *keepAlive
	log      *logrus.Entry
	flow     *Flow
	tlsState *tls.ConnectionState
}

// serve is the spec's Dispatcher::run: decode a head, optionally bounce
// through 100-continue, call the Service, encode and drain the response,
// then loop while the connection stays keep-alive.
func (c *conn) serve() {
	for {
		c.ka.Arm()
		req, decoder, err := c.ctx.decodeHead(c.br)
		if err != nil {
			if isCommonNetReadError(err) {
				return
			}
			if err == errRequestTooLarge {
				c.writeSimpleError(431)
				return
			}
			if bre, ok := err.(badRequestError); ok {
				c.writeBadRequest(bre)
			}
			return
		}
		c.ka.Disarm()

		if c.ctx.connType == connUpgrade {
			if h := c.flow.upgradeFor(strings.ToLower(req.Header.Get(hdr.UpgradeHeader))); h != nil {
				h.Upgrade(c.rwc, req)
				return
			}
			// No handler registered for the requested protocol: fall back
			// to serving it as an ordinary request, same as the teacher's
			// TLSNextProto miss falling through to the default handler.
			c.ctx.connType = connKeepAlive
		}

		req.RemoteAddr = c.rwc.RemoteAddr().String()
		req.TLS = c.tlsState

		body := newRequestBody(decoder)
		req.Body = body

		if c.ctx.expectContinue {
			req, err = c.handleExpect(req)
			if err != nil {
				c.writeResponse(req, responseError(err))
				body.Close()
				if !c.keepAliveOK(body) {
					return
				}
				continue
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		req.ctx = ctx
		res, err := c.flow.Service.Call(ctx, req)
		cancel()
		if err != nil {
			res = responseError(err)
		}
		if res == nil {
			res = NewResponse(204)
		}

		if err := c.writeResponse(req, res); err != nil {
			return
		}
		body.Close()
		if !c.keepAliveOK(body) {
			return
		}
	}
}

// handleExpect runs the Flow's ExpectHandler (if any) and writes the
// "100 Continue" interim response, the spec's Context::encode_continue step.
func (c *conn) handleExpect(req *Request) (*Request, error) {
	if c.flow.Expect != nil {
		nr, err := c.flow.Expect.Expect(req.Context(), req)
		if err != nil {
			return req, err
		}
		if nr != nil {
			nr.Body = req.Body
			req = nr
		}
	}
	c.ctx.encodeContinue(c.wb)
	if c.d.WriteTimeout > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(c.d.WriteTimeout))
	}
	err := c.wb.drainWrite(c.rwc)
	c.rwc.SetWriteDeadline(time.Time{})
	return req, err
}

// writeResponse drains the Response through transferEncoding and the
// connection's writeBuf, matching the spec's encode_head/Encode/EncodeEOF
// sequence.
func (c *conn) writeResponse(req *Request, res *Response) error {
	if c.d.WriteTimeout > 0 {
		c.rwc.SetWriteDeadline(time.Now().Add(c.d.WriteTimeout))
	}
	defer c.rwc.SetWriteDeadline(time.Time{})

	te := c.ctx.encodeHead(c.wb, res)
	if err := c.wb.drainWrite(c.rwc); err != nil {
		return err
	}

	if req.Method == "HEAD" {
		// A HEAD response carries the headers a GET would have sent (including
		// Content-Length/chunked framing) but never writes body bytes, so the
		// encoder just needs marking done, not asked to finish a body it was
		// never given.
		te.ForceEOF()
		return nil
	}

	if res.Body != nil {
		ctx := req.Context()
		for {
			p, err := res.Body.Next(ctx)
			if len(p) > 0 {
				te.Encode(p, c.wb)
				if err := c.wb.drainWrite(c.rwc); err != nil {
					return err
				}
			}
			if err != nil {
				if err != io.EOF {
					c.log.WithError(err).Warn("h1: response body stream error")
					return err
				}
				break
			}
		}
	}
	if err := te.EncodeEOF(c.wb); err != nil {
		return err
	}
	return c.wb.drainWrite(c.rwc)
}

func (c *conn) writeBadRequest(e badRequestError) {
	c.writeSimpleError(400)
}

func (c *conn) writeSimpleError(status int) {
	res := NewResponse(status)
	res.Header.Set(hdr.Connection, "close")
	c.ctx.connType = connClose
	c.writeResponse(&Request{Method: "GET"}, res)
}

// keepAliveOK decides whether the connection may be reused for another
// request: the Context must have classified it as keep-alive, and the
// request body must have been fully drained without hitting the early-close
// budget, the same pair of conditions the teacher's conn.go checks before
// looping back to readRequest.
func (c *conn) keepAliveOK(body *RequestBody) bool {
	if c.ctx.connType != connKeepAlive {
		return false
	}
	if body.EarlyClose() {
		return false
	}
	return true
}
