/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pgclient

import (
	"strconv"
	"sync/atomic"

	"github.com/badu/netcore/pgwire"
)

// Client is the spec's Client: the query-issuing half of a connection, as
// opposed to pgwire.Driver which owns the socket and the background receive
// loop. Grounded on original_source/postgres/src/client.rs's Client, which
// is likewise just a thin handle holding a DriverTx.
type Client struct {
	drv     *pgwire.Driver
	stmtSeq atomic.Uint64
}

func newClient(drv *pgwire.Driver) *Client {
	return &Client{drv: drv}
}

// Driver exposes the underlying pgwire.Driver, e.g. for reading its Notify
// channel.
func (c *Client) Driver() *pgwire.Driver { return c.drv }

// Close ends the connection. Queries in flight see their response stream
// end with a connection-closed error; later calls get pgwire.ErrDriverDown.
func (c *Client) Close() error { return c.drv.Close() }

// nextStatementName allocates a unique statement name scoped to this one
// connection, for ad-hoc Prepare calls that are never replayed after a
// reconnect. Statements pgpool.SharedClient caches for replay get their
// name from SharedClient's own counter instead (see pgpool.PrepareCached),
// so the name stays identical across every connection that ever serves it.
func (c *Client) nextStatementName() string {
	n := c.stmtSeq.Add(1)
	return "s" + strconv.FormatUint(n, 10)
}
