// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package test

import (
	"context"
	"fmt"

	"github.com/featurebasedb/dbtx"
)

// Driver is a scripted dbtx.Connection. It records every state change in
// Ops, so tests can assert the exact sequence of transaction operations
// without a database, and it fails on demand: the *Err fields make a call
// fail persistently, FailRelease and FailRollbackTo queue one-shot failures
// for a specific savepoint. A call that fails records nothing.
//
// The zero value is a connection in manual commit mode; NewDriver returns
// one in autocommit mode, the way a freshly opened connection reports
// itself.
type Driver struct {
	Autocommit bool
	Closed     bool
	Ops        []string

	AutocommitErr error
	CommitErr     error
	RollbackErr   error
	CloseErr      error
	SavepointErr  error

	releaseErrs    map[string][]error
	rollbackToErrs map[string][]error
	counter        int
}

var _ dbtx.Connection = (*Driver)(nil)

// NewDriver returns a Driver in autocommit mode.
func NewDriver() *Driver {
	return &Driver{Autocommit: true}
}

// FailRelease queues errors for successive SavepointCommit calls on sid.
func (d *Driver) FailRelease(sid string, errs ...error) {
	if d.releaseErrs == nil {
		d.releaseErrs = map[string][]error{}
	}
	d.releaseErrs[sid] = append(d.releaseErrs[sid], errs...)
}

// FailRollbackTo queues errors for successive SavepointRollback calls on sid.
func (d *Driver) FailRollbackTo(sid string, errs ...error) {
	if d.rollbackToErrs == nil {
		d.rollbackToErrs = map[string][]error{}
	}
	d.rollbackToErrs[sid] = append(d.rollbackToErrs[sid], errs...)
}

// Clear drops the recorded ops. Injected failures and savepoint numbering
// are untouched.
func (d *Driver) Clear() {
	d.Ops = nil
}

func (d *Driver) GetAutocommit() bool { return d.Autocommit }

func (d *Driver) SetAutocommit(ctx context.Context, autocommit, forceBegin bool) error {
	if d.AutocommitErr != nil {
		return d.AutocommitErr
	}
	d.Autocommit = autocommit
	switch {
	case autocommit:
		d.Ops = append(d.Ops, "AUTOCOMMIT=ON")
	case forceBegin:
		d.Ops = append(d.Ops, "BEGIN")
	default:
		d.Ops = append(d.Ops, "AUTOCOMMIT=OFF")
	}
	return nil
}

func (d *Driver) Commit(ctx context.Context) error {
	if d.CommitErr != nil {
		return d.CommitErr
	}
	d.Ops = append(d.Ops, "COMMIT")
	return nil
}

func (d *Driver) Rollback(ctx context.Context) error {
	if d.RollbackErr != nil {
		return d.RollbackErr
	}
	d.Ops = append(d.Ops, "ROLLBACK")
	return nil
}

func (d *Driver) Close() error {
	if d.CloseErr != nil {
		return d.CloseErr
	}
	d.Closed = true
	d.Ops = append(d.Ops, "CLOSE")
	return nil
}

func (d *Driver) Savepoint(ctx context.Context) (string, error) {
	if d.SavepointErr != nil {
		return "", d.SavepointErr
	}
	d.counter++
	sid := fmt.Sprintf("s%d", d.counter)
	d.Ops = append(d.Ops, "SAVEPOINT "+sid)
	return sid, nil
}

func (d *Driver) SavepointCommit(ctx context.Context, sid string) error {
	if errs := d.releaseErrs[sid]; len(errs) > 0 {
		d.releaseErrs[sid] = errs[1:]
		return errs[0]
	}
	d.Ops = append(d.Ops, "RELEASE "+sid)
	return nil
}

func (d *Driver) SavepointRollback(ctx context.Context, sid string) error {
	if errs := d.rollbackToErrs[sid]; len(errs) > 0 {
		d.rollbackToErrs[sid] = errs[1:]
		return errs[0]
	}
	d.Ops = append(d.Ops, "ROLLBACK TO "+sid)
	return nil
}

func (d *Driver) CleanSavepoints() {
	d.counter = 0
}
