// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package dbtx coordinates transaction state across nested atomic blocks on
// named database connections. It tracks autocommit, stacks savepoints for
// nested blocks, propagates the needs-rollback flag upward when an inner
// block fails without a savepoint, and decides at each block exit whether to
// release, roll back, commit, or defer to the enclosing block.
//
// The package does not talk to a database itself. It drives a Connection,
// which hides the wire protocol and the savepoint SQL; sqldb provides one
// over database/sql. Blocks are usually run through Atomic.Run:
//
//	reg, _ := dbtx.NewRegistry()
//	reg.Register("default", driver)
//	err := reg.Atomic("default").Run(ctx, func(ctx context.Context) error {
//		// queries here commit together or not at all
//		return nil
//	})
package dbtx

import (
	"context"

	"github.com/featurebasedb/dbtx/errors"
)

// ConnectionID names a registered connection.
type ConnectionID string

// DefaultConnection is the connection id assumed whenever an empty id is
// given.
const DefaultConnection ConnectionID = "default"

// Connection is the driver boundary the transaction machinery operates
// against. Implementations own the real autocommit flag and must report it
// accurately through GetAutocommit; the block state machine takes it as the
// source of truth for whether a transaction is open.
//
// SetAutocommit with autocommit false opens a transaction. When forceBegin
// is set the implementation must issue an explicit BEGIN even if it would
// normally defer that; entering an outermost block uses this to guarantee
// the transaction exists before any statement runs.
//
// Savepoint returns a new savepoint id unique for the connection's lifetime.
// CleanSavepoints resets whatever generation state backs those ids; it is
// only called when no savepoints are live.
type Connection interface {
	GetAutocommit() bool
	SetAutocommit(ctx context.Context, autocommit bool, forceBegin bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
	Savepoint(ctx context.Context) (string, error)
	SavepointCommit(ctx context.Context, sid string) error
	SavepointRollback(ctx context.Context, sid string) error
	CleanSavepoints()
}

const (
	// ErrTransactionManagement covers misuse of the transaction machinery:
	// raw commit, rollback or autocommit changes inside an atomic block,
	// touching the rollback flag outside one, queueing commit hooks in
	// manual mode, or executing on a connection whose current transaction
	// is marked for rollback.
	ErrTransactionManagement errors.Code = "TransactionManagement"

	// ErrConnectionNotFound means the connection id was never registered.
	ErrConnectionNotFound errors.Code = "ConnectionNotFound"
)

// ErrDurableNestedBlock is the panic value raised when a durable block is
// opened while another block is active on the same connection. It is a
// panic, not a returned error, because the caller's guarantee is already
// broken at that point and no rollback can repair it; it is also deliberately
// not a coded error so it cannot be mistaken for a database failure.
var ErrDurableNestedBlock = errors.Errorf("a durable atomic block cannot be nested within another atomic block")

func NewErrConnectionNotFound(id ConnectionID) error {
	return errors.New(
		ErrConnectionNotFound,
		"connection not registered: '"+string(id)+"'",
	)
}

func newErrNoAtomicBlock() error {
	return errors.New(
		ErrTransactionManagement,
		"the rollback flag doesn't work outside of an atomic block",
	)
}

func newErrInAtomicBlock() error {
	return errors.New(
		ErrTransactionManagement,
		"this is forbidden when an atomic block is active",
	)
}

func newErrBrokenTransaction() error {
	return errors.New(
		ErrTransactionManagement,
		"an error occurred in the current transaction; you can't execute queries until the end of the atomic block",
	)
}

func newErrOnCommitManual() error {
	return errors.New(
		ErrTransactionManagement,
		"OnCommit cannot be used in manual transaction management",
	)
}

func newErrConnClosed(id ConnectionID) error {
	return errors.New(
		ErrTransactionManagement,
		"connection '"+string(id)+"' was closed; register it again before use",
	)
}
