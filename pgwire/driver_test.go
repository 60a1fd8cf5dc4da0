/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pgwire

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// fakeBackend drives the server side of the pipe with pgproto3.Backend so
// the test can script exactly which messages the Driver receives, without a
// real postgres instance.
func fakeBackend(conn net.Conn) *pgproto3.Backend {
	return pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
}

func TestDriverRoutesRowsToPendingQueryAndPopsOnReadyForQuery(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := NewDriver(clientConn, log)
	go drv.Run()

	// net.Pipe is unbuffered: the backend must read the Query for Send's
	// write to complete.
	backend := fakeBackend(serverConn)
	go func() {
		if _, err := backend.Receive(); err != nil {
			return
		}
		backend.Send(&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{Name: []byte("?column?")}}})
		backend.Send(&pgproto3.DataRow{Values: [][]byte{[]byte("1")}})
		backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		backend.Flush()
	}()

	res, err := drv.Send(&pgproto3.Query{String: "select 1"})
	if err != nil {
		t.Fatal(err)
	}

	var gotRow bool
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-res.Messages():
			if !ok {
				t.Fatal("messages channel closed before ReadyForQuery")
			}
			if _, ok := msg.(*pgproto3.DataRow); ok {
				gotRow = true
			}
			if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
				if !gotRow {
					t.Fatal("ReadyForQuery observed before its DataRow")
				}
				return
			}
		case <-res.Done():
			if !gotRow {
				t.Fatal("Done closed without ever seeing a row")
			}
			return
		case <-timeout:
			t.Fatal("timed out waiting for query to complete")
		}
	}
}

func TestDriverNotificationBypassesQueryQueue(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := NewDriver(clientConn, log)
	go drv.Run()

	backend := fakeBackend(serverConn)
	go func() {
		backend.Send(&pgproto3.NotificationResponse{PID: 42, Channel: "chan", Payload: "hi"})
		backend.Flush()
	}()

	select {
	case n := <-drv.Notify:
		if n.Kind != NotificationKindNotify || n.Channel != "chan" || n.Payload != "hi" || n.PID != 42 {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestDriverSendPipelineRegistersOneResponsePerSync(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := NewDriver(clientConn, log)
	go drv.Run()

	// A three-item sync-mode pipeline sends three Syncs, so the server sends
	// three ReadyForQuery replies back. Before the fix this deadlocked:
	// Send registered a single response and dispatch dropped messages 2 and
	// 3 as "no pending query".
	msgs := []pgproto3.FrontendMessage{
		&pgproto3.Bind{PreparedStatement: "s1"}, &pgproto3.Execute{}, &pgproto3.Sync{},
		&pgproto3.Bind{PreparedStatement: "s1"}, &pgproto3.Execute{}, &pgproto3.Sync{},
		&pgproto3.Bind{PreparedStatement: "s1"}, &pgproto3.Execute{}, &pgproto3.Sync{},
	}
	// net.Pipe is unbuffered: the backend reads the whole batch (three
	// Syncs) before replying, so SendPipeline's write can complete.
	backend := fakeBackend(serverConn)
	go func() {
		for syncs := 0; syncs < 3; {
			msg, err := backend.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Sync); ok {
				syncs++
			}
		}
		for i := 0; i < 3; i++ {
			backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 1")})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			backend.Flush()
		}
	}()

	responses, err := drv.SendPipeline(msgs, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(responses) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(responses))
	}

	timeout := time.After(2 * time.Second)
	for i, res := range responses {
		select {
		case <-res.Done():
		case <-timeout:
			t.Fatalf("timed out waiting for response %d to complete", i)
		}
	}
}

func TestDriverSendAfterCloseReturnsErrDriverDown(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := NewDriver(clientConn, log)
	go drv.Run()

	if err := drv.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := drv.Send(&pgproto3.Query{String: "select 1"})
	if err == nil {
		t.Fatal("expected an error sending on a closed driver")
	}
	if _, ok := err.(*ErrDriverDown); !ok {
		t.Fatalf("expected *ErrDriverDown, got %T", err)
	}
}

// failingConn fails every Write, so Send/SendPipeline
// exercise the resend-carrying failure path instead of a clean close.
type failingConn struct {
	net.Conn
}

func (f failingConn) Write([]byte) (int, error) { return 0, errors.New("write: broken pipe") }

func TestDriverSendFailurePopulatesUnsentBytes(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := NewDriver(failingConn{clientConn}, log)
	go drv.Run()

	_, err := drv.Send(&pgproto3.Query{String: "select 1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	dd, ok := err.(*ErrDriverDown)
	if !ok {
		t.Fatalf("expected *ErrDriverDown, got %T", err)
	}
	if len(dd.Unsent) == 0 {
		t.Fatal("expected Unsent to carry the encoded-but-unconfirmed bytes")
	}
}
