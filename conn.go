// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx

import (
	"context"
	"time"

	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/stats"
	"github.com/featurebasedb/dbtx/tracing"
	"golang.org/x/exp/slices"
)

// Conn wraps a registered Connection with the per-connection transaction
// state: whether an atomic block is open, the savepoint stack, the
// needs-rollback flag, and the queued commit hooks. All of the guarded
// helpers live here; the block protocol itself is in Atomic.
//
// A Conn is not internally locked. The transaction state only makes sense
// under a single thread of control, so callers must not share one Conn
// across goroutines; distinct connections are independent.
type Conn struct {
	id     ConnectionID
	driver Connection

	inAtomicBlock       bool
	commitOnExit        bool
	needsRollback       bool
	rollbackCause       error
	closedInTransaction bool
	closed              bool

	// savepointIDs holds one entry per open block above the transaction
	// owner; "" marks a block that opened without a savepoint.
	savepointIDs []string
	atomicBlocks []*Atomic

	runOnCommit            []onCommitHook
	runHooksOnAutocommitOn bool

	logger logger.Logger
	stats  stats.StatsClient
}

// onCommitHook is a queued OnCommit callback. sids snapshots the savepoints
// live at registration so the hook can be discarded when any of them is
// rolled back.
type onCommitHook struct {
	sids   []string
	fn     func() error
	robust bool
}

// ID returns the id the connection was registered under.
func (c *Conn) ID() ConnectionID { return c.id }

// Driver returns the underlying Connection. Driving it directly bypasses
// every guard in this package; it exists for statement execution layers
// built on top, not for transaction control.
func (c *Conn) Driver() Connection { return c.driver }

// InAtomicBlock reports whether an atomic block is open.
func (c *Conn) InAtomicBlock() bool { return c.inAtomicBlock }

// ClosedInTransaction reports whether the connection was closed while a
// block was open. Such a connection is unusable until registered again.
func (c *Conn) ClosedInTransaction() bool { return c.closedInTransaction }

// Depth returns the number of open atomic blocks.
func (c *Conn) Depth() int { return len(c.atomicBlocks) }

// GetAutocommit reports the driver's autocommit state.
func (c *Conn) GetAutocommit() bool {
	return c.driver.GetAutocommit()
}

// SetAutocommit changes the driver's autocommit state. It refuses to run
// while an atomic block is open. Turning autocommit back on after a commit
// runs the queued commit hooks; at that point the transaction is over and
// the hooks execute in autocommit mode.
func (c *Conn) SetAutocommit(ctx context.Context, autocommit, forceBegin bool) error {
	if c.inAtomicBlock {
		return newErrInAtomicBlock()
	}
	if err := c.driver.SetAutocommit(ctx, autocommit, forceBegin); err != nil {
		return errors.Wrap(err, "setting autocommit")
	}
	if autocommit && c.runHooksOnAutocommitOn {
		c.runHooksOnAutocommitOn = false
		if err := c.runAndClearCommitHooks(); err != nil {
			return err
		}
	}
	return nil
}

// Commit commits the current transaction. It refuses to run while an atomic
// block is open; block commits happen when the outermost block exits, after
// the block flag is cleared. Hooks queued with OnCommit run once autocommit
// is restored.
func (c *Conn) Commit(ctx context.Context) error {
	if c.inAtomicBlock {
		return newErrInAtomicBlock()
	}
	span, ctx := tracing.GlobalTracer.StartSpanFromContext(ctx, "Conn.Commit")
	defer span.Finish()

	t := time.Now()
	if err := c.driver.Commit(ctx); err != nil {
		return errors.Wrap(err, "committing")
	}
	c.stats.Timing(MetricCommitSeconds, time.Since(t), 1.0)
	c.stats.Count(MetricCommitTotal, 1, 1.0)
	c.runHooksOnAutocommitOn = true
	return nil
}

// Rollback rolls back the current transaction. It refuses to run while an
// atomic block is open. A rollback clears the needs-rollback flag and
// discards every queued commit hook.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.inAtomicBlock {
		return newErrInAtomicBlock()
	}
	span, ctx := tracing.GlobalTracer.StartSpanFromContext(ctx, "Conn.Rollback")
	defer span.Finish()

	if err := c.driver.Rollback(ctx); err != nil {
		return errors.Wrap(err, "rolling back")
	}
	c.stats.Count(MetricRollbackTotal, 1, 1.0)
	c.needsRollback = false
	c.rollbackCause = nil
	c.runOnCommit = nil
	return nil
}

// Close releases the driver. Closing is allowed even while a block is open,
// because a connection in a broken state must still be disposable; in that
// case the block bookkeeping is marked so the remaining exits do nothing and
// the connection must be registered again before reuse. Queued commit hooks
// are dropped either way. Closing twice is a no-op.
func (c *Conn) Close() error {
	c.runOnCommit = nil
	if c.closedInTransaction || c.closed {
		return nil
	}
	err := c.driver.Close()
	if c.inAtomicBlock {
		c.closedInTransaction = true
		c.needsRollback = true
	} else {
		c.closed = true
	}
	if err != nil {
		return errors.Wrap(err, "closing connection")
	}
	return nil
}

// Savepoint creates a savepoint in the current transaction and returns its
// id. Under autocommit there is no transaction to put a savepoint in, so it
// returns an empty id and does nothing.
func (c *Conn) Savepoint(ctx context.Context) (string, error) {
	if c.driver.GetAutocommit() {
		return "", nil
	}
	sid, err := c.driver.Savepoint(ctx)
	if err != nil {
		return "", errors.Wrap(err, "creating savepoint")
	}
	c.stats.Count(MetricSavepointTotal, 1, 1.0)
	return sid, nil
}

// SavepointCommit releases the savepoint. Under autocommit it does nothing.
func (c *Conn) SavepointCommit(ctx context.Context, sid string) error {
	if c.driver.GetAutocommit() {
		return nil
	}
	if err := c.driver.SavepointCommit(ctx, sid); err != nil {
		return errors.Wrapf(err, "releasing savepoint %s", sid)
	}
	c.stats.Count(MetricSavepointReleaseTotal, 1, 1.0)
	return nil
}

// SavepointRollback rewinds the transaction to the savepoint and discards
// any commit hooks registered while it was active. Under autocommit it does
// nothing.
func (c *Conn) SavepointRollback(ctx context.Context, sid string) error {
	if c.driver.GetAutocommit() {
		return nil
	}
	if err := c.driver.SavepointRollback(ctx, sid); err != nil {
		return errors.Wrapf(err, "rolling back to savepoint %s", sid)
	}
	c.stats.Count(MetricSavepointRollbackTotal, 1, 1.0)
	kept := c.runOnCommit[:0]
	for _, h := range c.runOnCommit {
		if slices.Contains(h.sids, sid) {
			c.stats.Count(MetricHookDiscardTotal, 1, 1.0)
			continue
		}
		kept = append(kept, h)
	}
	c.runOnCommit = kept
	return nil
}

// CleanSavepoints resets the driver's savepoint id generation. Only call it
// when no savepoints are live.
func (c *Conn) CleanSavepoints() {
	c.driver.CleanSavepoints()
}

// GetRollback reports whether the current atomic block is marked for
// rollback. The flag only exists inside a block.
func (c *Conn) GetRollback() (bool, error) {
	if !c.inAtomicBlock {
		return false, newErrNoAtomicBlock()
	}
	return c.needsRollback, nil
}

// SetRollback marks the current atomic block so it rolls back on exit, or
// clears the mark. The flag only exists inside a block.
func (c *Conn) SetRollback(rollback bool) error {
	if !c.inAtomicBlock {
		return newErrNoAtomicBlock()
	}
	if rollback {
		c.poison(nil)
	} else {
		c.needsRollback = false
		c.rollbackCause = nil
	}
	return nil
}

// MarkRollbackOnError runs fn and, if it fails inside an atomic block,
// marks the block for rollback while recording the failure as the rollback
// cause. The error comes back unchanged either way, so statement layers can
// wrap every execution in this without disturbing their callers.
func (c *Conn) MarkRollbackOnError(fn func() error) error {
	err := fn()
	if err != nil && c.inAtomicBlock {
		c.poison(err)
	}
	return err
}

// ValidateNoBrokenTransaction fails when the current transaction is marked
// for rollback. Statement layers call this before executing anything, so a
// poisoned block refuses further queries until it exits. RollbackCause
// carries the error that poisoned the block, when one was recorded.
func (c *Conn) ValidateNoBrokenTransaction() error {
	if c.needsRollback {
		return newErrBrokenTransaction()
	}
	return nil
}

// RollbackCause returns the error recorded when the current block was
// marked for rollback, if any.
func (c *Conn) RollbackCause() error {
	return c.rollbackCause
}

// OnCommit queues fn to run after the current transaction commits. If no
// block is open and the connection is in autocommit, there is nothing to
// wait for and fn runs immediately. In manual transaction management the
// right moment to run fn is unknowable, so the call is refused.
//
// A hook queued inside a block is discarded if the block (or any enclosing
// one up to its registration point) rolls back. When hooks run, the
// transaction is already over: a failing robust hook is logged and the rest
// keep going, while a failing non-robust hook aborts the remainder and its
// error surfaces from the call that ended the transaction.
func (c *Conn) OnCommit(fn func() error, robust bool) error {
	switch {
	case c.inAtomicBlock:
		sids := make([]string, 0, len(c.savepointIDs))
		for _, sid := range c.savepointIDs {
			if sid != "" {
				sids = append(sids, sid)
			}
		}
		c.runOnCommit = append(c.runOnCommit, onCommitHook{sids: sids, fn: fn, robust: robust})
		return nil
	case !c.driver.GetAutocommit():
		return newErrOnCommitManual()
	case robust:
		c.stats.Count(MetricHookRunTotal, 1, 1.0)
		if err := fn(); err != nil {
			c.stats.Count(MetricHookErrorTotal, 1, 1.0)
			c.logger.Errorf("error calling on-commit hook: %v", err)
		}
		return nil
	default:
		c.stats.Count(MetricHookRunTotal, 1, 1.0)
		return fn()
	}
}

func (c *Conn) runAndClearCommitHooks() error {
	current := c.runOnCommit
	c.runOnCommit = nil
	for _, h := range current {
		c.stats.Count(MetricHookRunTotal, 1, 1.0)
		if h.robust {
			if err := h.fn(); err != nil {
				c.stats.Count(MetricHookErrorTotal, 1, 1.0)
				c.logger.Errorf("error calling on-commit hook: %v", err)
			}
			continue
		}
		if err := h.fn(); err != nil {
			c.stats.Count(MetricHookErrorTotal, 1, 1.0)
			return err
		}
	}
	return nil
}

// poison marks the current transaction as requiring a rollback, keeping the
// first interesting cause for diagnostics.
func (c *Conn) poison(cause error) {
	c.needsRollback = true
	if cause != nil && c.rollbackCause == nil {
		c.rollbackCause = cause
	}
	c.stats.Count(MetricNeedsRollbackTotal, 1, 1.0)
}
