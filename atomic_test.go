// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/test"
)

func newTestConn(t *testing.T) (*dbtx.Registry, *test.Driver, *dbtx.Conn) {
	t.Helper()
	reg := test.MustNewRegistry(t)
	d := test.NewDriver()
	c := test.MustRegister(t, reg, "", d)
	return reg, d, c
}

func TestAtomicCommitsOnCleanExit(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.True(t, c.InAtomicBlock())
		require.False(t, c.GetAutocommit())
		require.Equal(t, 1, c.Depth())
		return nil
	})
	require.NoError(t, err)
	require.False(t, c.InAtomicBlock())
	require.True(t, d.GetAutocommit())
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicRollsBackOnError(t *testing.T) {
	reg, d, _ := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, d.GetAutocommit())
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicNestedCleanExit(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			require.Equal(t, 2, c.Depth())
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, 0, c.Depth())
	test.MustOps(t, d, "BEGIN", "SAVEPOINT s1", "RELEASE s1", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicNestedErrorContained(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		inner := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			return boom
		})
		require.ErrorIs(t, inner, boom)
		// The savepoint absorbed the failure; the transaction is fine.
		require.NoError(t, c.ValidateNoBrokenTransaction())
		return nil
	})
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "SAVEPOINT s1", "ROLLBACK TO s1", "RELEASE s1", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicNoSavepointPropagatesRollback(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		inner := reg.Atomic("", dbtx.OptAtomicNoSavepoint()).Run(ctx, func(ctx context.Context) error {
			return boom
		})
		require.ErrorIs(t, inner, boom)
		rb, rerr := c.GetRollback()
		require.NoError(t, rerr)
		require.True(t, rb)
		return nil
	})
	// The enclosing block swallowed the error but still rolls back.
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicPoisonedBlockSkipsSavepoints(t *testing.T) {
	reg, d, _ := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		_ = reg.Atomic("", dbtx.OptAtomicNoSavepoint()).Run(ctx, func(ctx context.Context) error {
			return boom
		})
		// Blocks entered while the transaction is marked for rollback
		// get no savepoint and re-arm the mark on exit.
		return reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			return nil
		})
	})
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicForcedRollback(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.SetRollback(true))
		rb, rerr := c.GetRollback()
		require.NoError(t, rerr)
		require.True(t, rb)
		return nil
	})
	// No error anywhere; the block just rolls back instead of committing.
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicMarkRollbackOnError(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	stmtErr := errors.Errorf("syntax error at or near")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		got := c.MarkRollbackOnError(func() error { return stmtErr })
		require.ErrorIs(t, got, stmtErr)

		verr := c.ValidateNoBrokenTransaction()
		require.Error(t, verr)
		require.True(t, errors.Is(verr, dbtx.ErrTransactionManagement))
		require.ErrorIs(t, c.RollbackCause(), stmtErr)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, c.ValidateNoBrokenTransaction())
	require.Nil(t, c.RollbackCause())
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicDurable(t *testing.T) {
	reg, d, _ := newTestConn(t)
	ctx := context.Background()

	// At top level a durable block is an ordinary transaction.
	durable := reg.Atomic("", dbtx.OptAtomicDurable())
	require.NoError(t, durable.Run(ctx, func(ctx context.Context) error { return nil }))
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
	d.Clear()

	// Nested inside another block it must refuse to run at all.
	require.PanicsWithValue(t, dbtx.ErrDurableNestedBlock, func() {
		_ = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			return durable.Run(ctx, func(ctx context.Context) error { return nil })
		})
	})
	// The enclosing block still unwound through its rollback path.
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
	require.True(t, d.GetAutocommit())

	// The connection survives the panic.
	d.Clear()
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicJoinsExistingTransaction(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	// Open a transaction by hand; blocks entered now belong to it, not
	// the other way around.
	require.NoError(t, c.SetAutocommit(ctx, false, false))

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.True(t, c.InAtomicBlock())
		return nil
	})
	require.NoError(t, err)
	// The block released its savepoint and left the transaction open.
	require.False(t, c.InAtomicBlock())
	require.False(t, d.GetAutocommit())

	err = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, d.GetAutocommit())

	// Still our transaction to finish.
	require.NoError(t, c.Rollback(ctx))
	require.NoError(t, c.SetAutocommit(ctx, true, false))
	test.MustOps(t, d,
		"AUTOCOMMIT=OFF",
		"SAVEPOINT s1", "RELEASE s1",
		"SAVEPOINT s2", "ROLLBACK TO s2", "RELEASE s2",
		"ROLLBACK",
		"AUTOCOMMIT=ON",
	)
}

func TestAtomicCommitFailureRollsBack(t *testing.T) {
	reg, d, _ := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("deadlock detected")
	d.CommitErr = boom

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, boom)
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicCommitAndRollbackFailureClosesConnection(t *testing.T) {
	reg, d, _ := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("deadlock detected")
	d.CommitErr = boom
	d.RollbackErr = errors.Errorf("server has gone away")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, boom)
	require.True(t, d.Closed)
	test.MustOps(t, d, "BEGIN", "CLOSE", "AUTOCOMMIT=ON")

	// A closed connection refuses new blocks until registered again.
	err = reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, dbtx.ErrTransactionManagement))

	d2 := test.NewDriver()
	test.MustRegister(t, reg, "", d2)
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	test.MustOps(t, d2, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicSavepointReleaseFailure(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("savepoint does not exist")
	d.FailRelease("s1", boom)

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		inner := reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
		require.ErrorIs(t, inner, boom)
		// Rewinding to the savepoint worked, so the transaction is not
		// marked for rollback.
		require.NoError(t, c.ValidateNoBrokenTransaction())
		return nil
	})
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "SAVEPOINT s1", "ROLLBACK TO s1", "RELEASE s1", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicSavepointReleasePoisonsWhenRewindFails(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("savepoint does not exist")
	d.FailRelease("s1", boom)
	d.FailRollbackTo("s1", errors.Errorf("current transaction is aborted"))

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		inner := reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
		require.ErrorIs(t, inner, boom)
		require.Error(t, c.ValidateNoBrokenTransaction())
		require.ErrorIs(t, c.RollbackCause(), boom)
		return nil
	})
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "SAVEPOINT s1", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicRollbackFailureClosesConnection(t *testing.T) {
	reg, d, _ := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")
	d.RollbackErr = errors.Errorf("server has gone away")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.True(t, d.Closed)
	test.MustOps(t, d, "BEGIN", "CLOSE", "AUTOCOMMIT=ON")
}

func TestAtomicConnectionClosedInsideBlock(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			require.NoError(t, c.Close())
			require.True(t, c.ClosedInTransaction())
			return nil
		})
	})
	// The server rolls the transaction back on its own; the exits have
	// nothing left to do, including restoring autocommit.
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "SAVEPOINT s1", "CLOSE")

	err = reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
	require.Error(t, err)
	require.True(t, errors.Is(err, dbtx.ErrTransactionManagement))

	d2 := test.NewDriver()
	test.MustRegister(t, reg, "", d2)
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
}

func TestAtomicHandleReuse(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	a := reg.Atomic("")

	for i := 0; i < 2; i++ {
		require.NoError(t, a.Run(ctx, func(ctx context.Context) error { return nil }))
		require.Equal(t, 0, c.Depth())
	}
	d.Clear()

	// The handle is stateless, so it can nest inside itself.
	err := a.Run(ctx, func(ctx context.Context) error {
		return a.Run(ctx, func(ctx context.Context) error { return nil })
	})
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "SAVEPOINT s1", "RELEASE s1", "COMMIT", "AUTOCOMMIT=ON")
	d.Clear()

	wrapped := a.Wrap(func(ctx context.Context) error { return nil })
	require.NoError(t, wrapped(ctx))
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicRepanicsAfterRollback(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	require.PanicsWithValue(t, "kaboom", func() {
		_ = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			panic("kaboom")
		})
	})
	require.False(t, c.InAtomicBlock())
	require.True(t, d.GetAutocommit())
	test.MustOps(t, d, "BEGIN", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestAtomicBeginFailure(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("too many connections")
	d.AutocommitErr = boom

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		t.Fatal("block body must not run when entering fails")
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.False(t, c.InAtomicBlock())
	require.Equal(t, 0, c.Depth())
	test.MustOps(t, d)

	d.AutocommitErr = nil
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}

func TestAtomicSavepointCreationFailure(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("out of shared memory")

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		d.SavepointErr = boom
		inner := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			t.Fatal("block body must not run when entering fails")
			return nil
		})
		require.ErrorIs(t, inner, boom)
		require.Equal(t, 1, c.Depth())
		d.SavepointErr = nil
		return nil
	})
	require.NoError(t, err)
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}
