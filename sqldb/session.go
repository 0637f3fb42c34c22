// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package sqldb

import (
	"context"
	"database/sql"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
)

// Session is the statement surface for a managed connection. Every call
// first refuses to run if the current transaction is marked for rollback,
// and any statement failure inside an atomic block marks the block, so the
// block protocol sees exactly the failures the statements caused.
type Session struct {
	c *dbtx.Conn
	d *Driver
}

// NewSession wraps the managed connection. The connection must be backed by
// an sqldb Driver.
func NewSession(c *dbtx.Conn) (*Session, error) {
	d, ok := c.Driver().(*Driver)
	if !ok {
		return nil, errors.Errorf("connection '%s' is not backed by sqldb", c.ID())
	}
	return &Session{c: c, d: d}, nil
}

// Conn returns the managed connection the session executes on.
func (s *Session) Conn() *dbtx.Conn { return s.c }

// ExecContext executes a statement under the transaction guards.
func (s *Session) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := s.c.ValidateNoBrokenTransaction(); err != nil {
		return nil, err
	}
	var res sql.Result
	err := s.c.MarkRollbackOnError(func() error {
		var err error
		res, err = s.d.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// QueryContext executes a row-returning statement under the transaction
// guards.
func (s *Session) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := s.c.ValidateNoBrokenTransaction(); err != nil {
		return nil, err
	}
	var rows *sql.Rows
	err := s.c.MarkRollbackOnError(func() error {
		var err error
		rows, err = s.d.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// QueryRowContext queries a single row under the transaction guards. Errors
// deferred into the row surface at Scan time and are not seen here.
func (s *Session) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	if err := s.c.ValidateNoBrokenTransaction(); err != nil {
		return nil, err
	}
	var row *sql.Row
	err := s.c.MarkRollbackOnError(func() error {
		var err error
		row, err = s.d.QueryRowContext(ctx, query, args...)
		return err
	})
	return row, err
}
