/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pgclient

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/badu/netcore/pgwire"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

func fakeBackend(conn net.Conn) *pgproto3.Backend {
	return pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
}

// TestPipelineSendConsumesAllItemsInSyncMode exercises the FIFO registry
// with more than one Sync frame: a sync-mode pipeline with N items must
// observe N ReadyForQuery replies and drain every item's rows, not
// deadlock on the second item the way a single shared response did.
func TestPipelineSendConsumesAllItemsInSyncMode(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := pgwire.NewDriver(clientConn, log)
	go drv.Run()
	c := newClient(drv)

	stmt := &Statement{Name: "s1"}
	pl := c.NewPipeline(true)
	pl.Queue(stmt, [][]byte{[]byte("1")})
	pl.Queue(stmt, [][]byte{[]byte("2")})

	// net.Pipe is unbuffered: the backend reads the whole batch (two Syncs)
	// before replying, so Send's write can complete.
	backend := fakeBackend(serverConn)
	go func() {
		for syncs := 0; syncs < 2; {
			msg, err := backend.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Sync); ok {
				syncs++
			}
		}
		for i := 0; i < 2; i++ {
			backend.Send(&pgproto3.BindComplete{})
			backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 1")})
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			backend.Flush()
		}
	}()

	stream, err := pl.Send(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		for {
			_, err := stream.Next()
			if err == io.EOF {
				done <- nil
				return
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out draining pipeline stream; second item's ReadyForQuery was likely dropped")
	}
}

// TestClientResendPipelineDoesNotAddExtraSync resends a pipeline's
// already-encoded bytes through ResendPipeline and verifies the backend
// sees exactly the one Sync the original batch carried, not a second one
// layered on top by the resend path.
func TestClientResendPipelineDoesNotAddExtraSync(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	log := logrus.NewEntry(logrus.New())
	drv := pgwire.NewDriver(clientConn, log)
	go drv.Run()
	c := newClient(drv)

	stmt := &Statement{Name: "s1"}
	pl := c.NewPipeline(true)
	pl.Queue(stmt, nil)
	msgs, syncCount := pl.build()

	var raw []byte
	for _, m := range msgs {
		raw = m.Encode(raw)
	}

	// net.Pipe is unbuffered: the backend must already be reading for
	// ResendPipeline's write to complete.
	backend := fakeBackend(serverConn)
	syncSeen := make(chan int, 4)
	go func() {
		n := 0
		for {
			msg, err := backend.Receive()
			if err != nil {
				return
			}
			if _, ok := msg.(*pgproto3.Sync); ok {
				n++
				backend.Send(&pgproto3.BindComplete{})
				backend.Send(&pgproto3.CommandComplete{CommandTag: []byte("INSERT 0 1")})
				backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
				backend.Flush()
				syncSeen <- n
			}
		}
	}()

	stream, err := c.ResendPipeline(context.Background(), raw, syncCount)
	if err != nil {
		t.Fatal(err)
	}

	for {
		_, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
	}

	select {
	case n := <-syncSeen:
		if n != 1 {
			t.Fatalf("expected exactly one Sync on the wire, backend counted %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the backend to observe a Sync")
	}
}
