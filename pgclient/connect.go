/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package pgclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"

	"github.com/badu/netcore/pgwire"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
)

// Connect dials the first reachable host in cfg.Hosts, performs the startup
// and authentication handshake, and returns a Client with its pgwire.Driver
// already running in a background goroutine. Mirrors
// original_source/postgres/src/driver.rs's connect() host-list fallback
// loop: hosts are tried in order and the first successful one wins.
func Connect(ctx context.Context, cfg *Config, log *logrus.Entry) (*Client, error) {
	var lastErr error
	for _, host := range cfg.Hosts {
		c, err := connectHost(ctx, host, cfg, log)
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("pgclient: could not connect to any host: %w", lastErr)
}

func connectHost(ctx context.Context, host string, cfg *Config, log *logrus.Entry) (*Client, error) {
	var d net.Dialer
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", cfg.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	frontend, err := startup(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Reuse the handshake's own Frontend/ChunkReader rather than building a
	// second one over the same conn: the ChunkReader may have already
	// buffered bytes past the handshake's final ReadyForQuery (a server
	// that pipelines its first reply, or any out-of-band message arriving
	// right after auth completes), and a fresh ChunkReader would have no
	// way to recover whatever the first one already consumed into its
	// internal buffer.
	drv := pgwire.NewDriverFromFrontend(conn, frontend, log)
	client := newClient(drv)
	go drv.Run()
	return client, nil
}

// startup runs the pre-query handshake directly against conn: the
// StartupMessage is not itself a pgproto3.FrontendMessage (its wire shape
// has no leading message-type byte, unlike every message after it), so it
// is framed by hand the way pgconn's own internal connect routine does,
// before handing the connection to a Frontend for everything that follows.
// It returns that Frontend so the caller can keep using it (and the
// ChunkReader's buffered state) instead of constructing a second one.
func startup(conn net.Conn, cfg *Config) (*pgproto3.Frontend, error) {
	sm := &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters: map[string]string{
			"user":     cfg.User,
			"database": cfg.Database,
		},
	}
	buf := sm.Encode(nil)
	if _, err := conn.Write(buf); err != nil {
		return nil, err
	}

	frontend := pgproto3.NewFrontend(pgproto3.NewChunkReader(conn), conn)
	for {
		msg, err := frontend.Receive()
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *pgproto3.AuthenticationOk:
			continue
		case *pgproto3.AuthenticationCleartextPassword:
			frontend.Send(&pgproto3.PasswordMessage{Password: cfg.Password})
			if err := frontend.Flush(); err != nil {
				return nil, err
			}
		case *pgproto3.AuthenticationMD5Password:
			hashed := md5Hash(cfg.Password, cfg.User, m.Salt)
			frontend.Send(&pgproto3.PasswordMessage{Password: hashed})
			if err := frontend.Flush(); err != nil {
				return nil, err
			}
		case *pgproto3.ParameterStatus, *pgproto3.BackendKeyData:
			continue
		case *pgproto3.ReadyForQuery:
			return frontend, nil
		case *pgproto3.ErrorResponse:
			return nil, fmt.Errorf("pgclient: startup failed: %s", m.Message)
		default:
			continue
		}
	}
}

// md5Hash implements Postgres's "md5" auth method:
// "md5" + md5(md5(password + user) + salt).
func md5Hash(password, user string, salt [4]byte) string {
	first := md5.Sum([]byte(password + user))
	second := md5.Sum(append([]byte(hex.EncodeToString(first[:])), salt[:]...))
	return "md5" + hex.EncodeToString(second[:])
}
