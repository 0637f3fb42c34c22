// Copyright 2021 Molecula Corp. All rights reserved.
package test

import (
	"context"
	"testing"

	"github.com/go-test/deep"

	"github.com/featurebasedb/dbtx"
)

// MustNewRegistry returns a new registry. Fails the test on error.
func MustNewRegistry(t testing.TB, opts ...dbtx.RegistryOption) *dbtx.Registry {
	t.Helper()
	reg, err := dbtx.NewRegistry(opts...)
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	return reg
}

// MustRegister installs driver under id and returns the managed connection.
// Fails the test on error.
func MustRegister(t testing.TB, reg *dbtx.Registry, id dbtx.ConnectionID, driver dbtx.Connection) *dbtx.Conn {
	t.Helper()
	c, err := reg.Register(id, driver)
	if err != nil {
		t.Fatalf("registering connection %q: %v", id, err)
	}
	return c
}

// MustOps fails the test unless the driver recorded exactly the given op
// sequence since the last Clear.
func MustOps(t testing.TB, d *Driver, want ...string) {
	t.Helper()
	if diff := deep.Equal(d.Ops, want); diff != nil {
		t.Fatalf("op sequence mismatch: %v\nrecorded: %v", diff, d.Ops)
	}
}

// RunInTransaction runs fn inside an atomic block that always rolls back,
// so each test leaves the backend exactly as it found it no matter what fn
// commits inside. The wrapping block is fixture scaffolding: durable blocks
// opened by fn still pass their outermost check.
func RunInTransaction(t testing.TB, reg *dbtx.Registry, id dbtx.ConnectionID, fn func(ctx context.Context, c *dbtx.Conn)) {
	t.Helper()
	ctx := context.Background()
	c, err := reg.Connection(id)
	if err != nil {
		t.Fatalf("looking up connection %q: %v", id, err)
	}
	a := reg.Atomic(id, dbtx.OptAtomicFixture())
	if err := a.Enter(ctx); err != nil {
		t.Fatalf("entering fixture block: %v", err)
	}
	defer func() {
		if err := c.SetRollback(true); err != nil {
			t.Fatalf("forcing fixture rollback: %v", err)
		}
		if err := a.Exit(ctx, nil); err != nil {
			t.Fatalf("exiting fixture block: %v", err)
		}
		c.CleanSavepoints()
	}()
	fn(ctx, c)
}
