// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/test"
)

func TestConnAccessors(t *testing.T) {
	_, d, c := newTestConn(t)
	require.Equal(t, dbtx.DefaultConnection, c.ID())
	require.Same(t, d, c.Driver())
	require.Equal(t, 0, c.Depth())
	require.True(t, c.GetAutocommit())
}

func TestConnRawOpsForbiddenInBlock(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		cerr := c.Commit(ctx)
		require.True(t, errors.Is(cerr, dbtx.ErrTransactionManagement))
		require.Contains(t, cerr.Error(), "forbidden when an atomic block is active")
		require.True(t, errors.Is(c.Rollback(ctx), dbtx.ErrTransactionManagement))
		require.True(t, errors.Is(c.SetAutocommit(ctx, true, false), dbtx.ErrTransactionManagement))
		return nil
	})
	require.NoError(t, err)
	d.Clear()

	// Outside a block the same calls are the manual management surface.
	require.NoError(t, c.SetAutocommit(ctx, false, false))
	require.NoError(t, c.Commit(ctx))
	require.NoError(t, c.Rollback(ctx))
	require.NoError(t, c.SetAutocommit(ctx, true, false))
	test.MustOps(t, d, "AUTOCOMMIT=OFF", "COMMIT", "ROLLBACK", "AUTOCOMMIT=ON")
}

func TestConnRollbackFlagOutsideBlock(t *testing.T) {
	_, _, c := newTestConn(t)

	_, err := c.GetRollback()
	require.True(t, errors.Is(err, dbtx.ErrTransactionManagement))
	require.Contains(t, err.Error(), "outside of an atomic block")
	require.True(t, errors.Is(c.SetRollback(true), dbtx.ErrTransactionManagement))
}

func TestConnSavepointHelpersAutocommitNoop(t *testing.T) {
	_, d, c := newTestConn(t)
	ctx := context.Background()

	sid, err := c.Savepoint(ctx)
	require.NoError(t, err)
	require.Equal(t, "", sid)
	require.NoError(t, c.SavepointCommit(ctx, "s9"))
	require.NoError(t, c.SavepointRollback(ctx, "s9"))
	test.MustOps(t, d)
}

func TestConnCloseIdempotent(t *testing.T) {
	_, d, c := newTestConn(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	test.MustOps(t, d, "CLOSE")
}

func TestConnOnCommitAutocommitMode(t *testing.T) {
	buf := logger.NewBufferLogger()
	reg := test.MustNewRegistry(t, dbtx.OptRegistryLogger(buf))
	d := test.NewDriver()
	c := test.MustRegister(t, reg, "", d)

	// Nothing to wait for; the hook runs on the spot.
	ran := false
	require.NoError(t, c.OnCommit(func() error { ran = true; return nil }, false))
	require.True(t, ran)

	// A failing robust hook is logged, not returned.
	boom := errors.Errorf("kaboom")
	require.NoError(t, c.OnCommit(func() error { return boom }, true))
	data, err := buf.ReadAll()
	require.NoError(t, err)
	require.Contains(t, string(data), "ERROR: ")
	require.Contains(t, string(data), "error calling on-commit hook: kaboom")

	// A failing plain hook surfaces directly.
	require.ErrorIs(t, c.OnCommit(func() error { return boom }, false), boom)
}

func TestConnOnCommitManualModeRefused(t *testing.T) {
	_, _, c := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, c.SetAutocommit(ctx, false, false))
	err := c.OnCommit(func() error { return nil }, false)
	require.True(t, errors.Is(err, dbtx.ErrTransactionManagement))
	require.Contains(t, err.Error(), "manual transaction management")
	require.NoError(t, c.SetAutocommit(ctx, true, false))
}

func TestConnOnCommitRunsAfterCommit(t *testing.T) {
	reg, _, c := newTestConn(t)
	ctx := context.Background()

	var order []string
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error {
			// By the time hooks run the transaction is over.
			require.False(t, c.InAtomicBlock())
			require.True(t, c.GetAutocommit())
			order = append(order, "a")
			return nil
		}, false))
		require.NoError(t, c.OnCommit(func() error {
			order = append(order, "b")
			return nil
		}, false))
		require.Empty(t, order)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, order)

	// The queue does not carry over to the next transaction.
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	require.Equal(t, []string{"a", "b"}, order)
}

func TestConnOnCommitDiscardedOnRollback(t *testing.T) {
	reg, _, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	ran := false
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error { ran = true; return nil }, false))
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The dropped hook must not resurface on the next commit.
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	require.False(t, ran)

	err = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error { ran = true; return nil }, false))
		return c.SetRollback(true)
	})
	require.NoError(t, err)
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	require.False(t, ran)
}

func TestConnOnCommitSavepointScope(t *testing.T) {
	reg, _, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("boom")

	var order []string
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error {
			order = append(order, "outer")
			return nil
		}, false))
		_ = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			require.NoError(t, c.OnCommit(func() error {
				order = append(order, "inner")
				return nil
			}, false))
			return boom
		})
		return nil
	})
	require.NoError(t, err)
	// Rolling back to the inner savepoint discarded only the hook
	// registered under it.
	require.Equal(t, []string{"outer"}, order)
}

func TestConnOnCommitNestedCommitsTogether(t *testing.T) {
	reg, _, c := newTestConn(t)
	ctx := context.Background()

	var order []string
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error {
			order = append(order, "outer")
			return nil
		}, false))
		require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			return c.OnCommit(func() error {
				order = append(order, "inner")
				return nil
			}, false)
		}))
		// Releasing the inner savepoint is not a commit.
		require.Empty(t, order)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner"}, order)
}

func TestConnOnCommitRobustFailureContinues(t *testing.T) {
	buf := logger.NewBufferLogger()
	reg := test.MustNewRegistry(t, dbtx.OptRegistryLogger(buf))
	d := test.NewDriver()
	c := test.MustRegister(t, reg, "", d)
	ctx := context.Background()

	ran := false
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error { return errors.Errorf("kaboom") }, true))
		require.NoError(t, c.OnCommit(func() error { ran = true; return nil }, false))
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	data, rerr := buf.ReadAll()
	require.NoError(t, rerr)
	require.Contains(t, string(data), "error calling on-commit hook: kaboom")
}

func TestConnOnCommitFailureAbortsRemaining(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()
	boom := errors.Errorf("kaboom")

	ran := false
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error { return boom }, false))
		require.NoError(t, c.OnCommit(func() error { ran = true; return nil }, false))
		return nil
	})
	// The transaction committed; the failure is the hook's alone.
	require.ErrorIs(t, err, boom)
	require.False(t, ran)
	test.MustOps(t, d, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")

	// The aborted remainder is gone for good.
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	require.False(t, ran)
}

func TestConnOnCommitDuringHookRunsImmediately(t *testing.T) {
	reg, _, c := newTestConn(t)
	ctx := context.Background()

	var order []string
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error {
			order = append(order, "a-start")
			rerr := c.OnCommit(func() error {
				order = append(order, "c")
				return nil
			}, false)
			order = append(order, "a-end")
			return rerr
		}, false))
		return c.OnCommit(func() error {
			order = append(order, "b")
			return nil
		}, false)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a-start", "c", "a-end", "b"}, order)
}

func TestConnHooksAfterManualCommit(t *testing.T) {
	reg, d, c := newTestConn(t)
	ctx := context.Background()

	require.NoError(t, c.SetAutocommit(ctx, false, false))

	ran := false
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return c.OnCommit(func() error { ran = true; return nil }, false)
	})
	require.NoError(t, err)
	// The block joined our transaction, so its hooks wait for our commit.
	require.False(t, ran)
	require.NoError(t, c.Commit(ctx))
	require.False(t, ran)
	require.NoError(t, c.SetAutocommit(ctx, true, false))
	require.True(t, ran)
	test.MustOps(t, d, "AUTOCOMMIT=OFF", "SAVEPOINT s1", "RELEASE s1", "COMMIT", "AUTOCOMMIT=ON")
}

func TestConnCloseDropsHooks(t *testing.T) {
	reg, _, c := newTestConn(t)
	ctx := context.Background()

	ran := false
	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		require.NoError(t, c.OnCommit(func() error { ran = true; return nil }, false))
		return c.Close()
	})
	require.NoError(t, err)

	d2 := test.NewDriver()
	test.MustRegister(t, reg, "", d2)
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	require.False(t, ran)
}
