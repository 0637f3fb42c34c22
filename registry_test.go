// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/mock"
	"github.com/featurebasedb/dbtx/stats"
	"github.com/featurebasedb/dbtx/test"
)

func TestRegistryDefaultID(t *testing.T) {
	reg := test.MustNewRegistry(t)
	d := test.NewDriver()
	c := test.MustRegister(t, reg, "", d)
	require.Equal(t, dbtx.DefaultConnection, c.ID())

	byEmpty, err := reg.Connection("")
	require.NoError(t, err)
	byName, err := reg.Connection(dbtx.DefaultConnection)
	require.NoError(t, err)
	require.Same(t, byEmpty, byName)

	require.Equal(t, []dbtx.ConnectionID{dbtx.DefaultConnection}, reg.IDs())
}

func TestRegistryNotFound(t *testing.T) {
	reg := test.MustNewRegistry(t)

	_, err := reg.Connection("analytics")
	require.True(t, errors.Is(err, dbtx.ErrConnectionNotFound))

	err = reg.Atomic("analytics").Run(context.Background(), func(ctx context.Context) error {
		t.Fatal("block body must not run without a connection")
		return nil
	})
	require.True(t, errors.Is(err, dbtx.ErrConnectionNotFound))
}

func TestRegistryIndependentConnections(t *testing.T) {
	reg := test.MustNewRegistry(t)
	da, db := test.NewDriver(), test.NewDriver()
	test.MustRegister(t, reg, "a", da)
	cb := test.MustRegister(t, reg, "b", db)
	ctx := context.Background()

	require.Equal(t, []dbtx.ConnectionID{"a", "b"}, reg.IDs())

	err := reg.Atomic("a").Run(ctx, func(ctx context.Context) error {
		// A block on one connection leaves the others unmanaged.
		require.False(t, cb.InAtomicBlock())
		require.NoError(t, cb.SetAutocommit(ctx, false, false))
		require.NoError(t, cb.Commit(ctx))
		return cb.SetAutocommit(ctx, true, false)
	})
	require.NoError(t, err)
	test.MustOps(t, da, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
	test.MustOps(t, db, "AUTOCOMMIT=OFF", "COMMIT", "AUTOCOMMIT=ON")
}

func TestRegistryReRegisterResets(t *testing.T) {
	reg := test.MustNewRegistry(t)
	d1 := test.NewDriver()
	c1 := test.MustRegister(t, reg, "", d1)
	ctx := context.Background()

	require.NoError(t, reg.Atomic("").Enter(ctx))
	require.True(t, c1.InAtomicBlock())

	// Registering the same id again abandons the old state wholesale.
	d2 := test.NewDriver()
	c2 := test.MustRegister(t, reg, "", d2)
	require.NotSame(t, c1, c2)
	require.False(t, c2.InAtomicBlock())
	require.NoError(t, reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil }))
	test.MustOps(t, d2, "BEGIN", "COMMIT", "AUTOCOMMIT=ON")
}

func TestRegistryStats(t *testing.T) {
	counts := map[string]int64{}
	var tags []string
	ms := &mock.StatsClient{}
	ms.CountFunc = func(name string, value int64, rate float64) {
		counts[name] += value
	}
	ms.WithTagsFunc = func(tg ...string) stats.StatsClient {
		tags = append(tags, tg...)
		return ms
	}

	reg := test.MustNewRegistry(t, dbtx.OptRegistryStatsClient(ms))
	d := test.NewDriver()
	test.MustRegister(t, reg, "", d)
	ctx := context.Background()

	err := reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return reg.Atomic("").Run(ctx, func(ctx context.Context) error { return nil })
	})
	require.NoError(t, err)
	_ = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return errors.Errorf("boom")
	})

	require.Contains(t, tags, "connection:default")
	require.Equal(t, int64(2), counts[dbtx.MetricBeginTotal])
	require.Equal(t, int64(1), counts[dbtx.MetricCommitTotal])
	require.Equal(t, int64(1), counts[dbtx.MetricSavepointTotal])
	require.Equal(t, int64(1), counts[dbtx.MetricSavepointReleaseTotal])
	require.Equal(t, int64(1), counts[dbtx.MetricRollbackTotal])
}
