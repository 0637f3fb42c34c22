// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx

import (
	"context"

	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/tracing"
)

// Atomic is a handle for running atomic blocks on one connection. The
// outermost block on a connection opens a transaction and commits it on a
// clean exit or rolls it back otherwise; nested blocks use savepoints, so
// an inner failure can be contained without losing the outer work. A block
// that opens while an enclosing block is already marked for rollback skips
// its savepoint and simply propagates the mark.
//
// The handle itself is stateless: all bookkeeping lives on the Conn, so one
// Atomic value can be reused, nested inside itself, and shared freely.
type Atomic struct {
	registry  *Registry
	using     ConnectionID
	savepoint bool
	durable   bool
	fixture   bool
}

// AtomicOption configures an Atomic handle.
type AtomicOption func(*Atomic)

// OptAtomicNoSavepoint makes nested entries of this block skip savepoint
// creation. An inner failure then poisons the enclosing transaction instead
// of being contained.
func OptAtomicNoSavepoint() AtomicOption {
	return func(a *Atomic) {
		a.savepoint = false
	}
}

// OptAtomicDurable asserts that this block is the outermost one on its
// connection, guaranteeing that its commit is final. Entering a durable
// block inside any other block panics with ErrDurableNestedBlock.
func OptAtomicDurable() AtomicOption {
	return func(a *Atomic) {
		a.durable = true
	}
}

// OptAtomicFixture marks the block as test-harness scaffolding. Durable
// blocks tolerate enclosing fixture blocks, so code under test keeps its
// durability guarantee while the harness wraps everything in a rolled-back
// transaction.
func OptAtomicFixture() AtomicOption {
	return func(a *Atomic) {
		a.fixture = true
	}
}

// Enter opens the block on the connection. Every successful Enter must be
// paired with exactly one Exit; Run does this for you and is the usual way
// in.
func (a *Atomic) Enter(ctx context.Context) error {
	c, err := a.registry.conn(a.using)
	if err != nil {
		return err
	}

	if a.durable {
		for _, blk := range c.atomicBlocks {
			if !blk.fixture {
				panic(ErrDurableNestedBlock)
			}
		}
	}

	if c.closedInTransaction || c.closed {
		return newErrConnClosed(c.id)
	}

	if !c.inAtomicBlock {
		// Entering an outermost block resets the exit bookkeeping.
		c.commitOnExit = true
		c.needsRollback = false
		c.rollbackCause = nil
		if !c.GetAutocommit() {
			// A transaction is already open and belongs to someone
			// else. Treat this block as nested so it gets a savepoint,
			// and remember not to commit on exit.
			c.inAtomicBlock = true
			c.commitOnExit = false
		}
	}

	if c.inAtomicBlock {
		// Already in a transaction; stack a savepoint unless this block
		// declined one or the transaction is already marked for
		// rollback. A savepoint taken while poisoned would mask the
		// pending rollback.
		if a.savepoint && !c.needsRollback {
			sid, serr := c.Savepoint(ctx)
			if serr != nil {
				return serr
			}
			c.savepointIDs = append(c.savepointIDs, sid)
		} else {
			c.savepointIDs = append(c.savepointIDs, "")
		}
	} else {
		if err := c.SetAutocommit(ctx, false, true); err != nil {
			return err
		}
		c.stats.Count(MetricBeginTotal, 1, 1.0)
		c.inAtomicBlock = true
	}

	c.atomicBlocks = append(c.atomicBlocks, a)
	c.stats.Gauge(MetricBlockDepth, float64(len(c.atomicBlocks)), 1.0)
	return nil
}

// Exit closes the block. cause is the error (if any) the block body ended
// with; a nil cause on an unpoisoned block releases the savepoint or, at
// the outermost level, commits. Any other combination rolls back to the
// block's savepoint, or marks the enclosing transaction for rollback when
// there is none to rewind to.
//
// When the commit or release itself fails, Exit undoes what it can and
// returns that first failure; errors from the undo steps are folded into
// the needs-rollback mark rather than allowed to shadow it.
func (a *Atomic) Exit(ctx context.Context, cause error) error {
	c, err := a.registry.conn(a.using)
	if err != nil {
		return err
	}

	if c.inAtomicBlock {
		c.atomicBlocks = c.atomicBlocks[:len(c.atomicBlocks)-1]
		c.stats.Gauge(MetricBlockDepth, float64(len(c.atomicBlocks)), 1.0)
	}

	var sid string
	if len(c.savepointIDs) > 0 {
		sid = c.savepointIDs[len(c.savepointIDs)-1]
		c.savepointIDs = c.savepointIDs[:len(c.savepointIDs)-1]
	} else {
		// Clear the flag before the raw commit/rollback below so their
		// guards pass.
		c.inAtomicBlock = false
	}

	var exitErr error
	switch {
	case c.closedInTransaction:
		// The driver is gone and the server rolls the transaction back
		// on its own. Nothing to do until the outermost exit.

	case cause == nil && !c.needsRollback:
		if c.inAtomicBlock {
			// Nested clean exit: release the savepoint if one was taken.
			if sid != "" {
				if err := c.SavepointCommit(ctx, sid); err != nil {
					// Release failed; rewind to the savepoint instead.
					// The savepoint won't be reused, so release it
					// afterwards. If even the rewind fails, mark the
					// enclosing transaction for rollback; either way the
					// release error is the one to report.
					if rerr := c.SavepointRollback(ctx, sid); rerr != nil {
						c.poison(err)
					} else if cerr := c.SavepointCommit(ctx, sid); cerr != nil {
						c.poison(err)
					}
					exitErr = err
				}
			}
		} else {
			// Outermost clean exit: commit.
			if err := c.Commit(ctx); err != nil {
				if rerr := c.Rollback(ctx); rerr != nil {
					// A rollback failure on top of a commit failure
					// means the connection is unusable. Drop it.
					if clerr := c.Close(); clerr != nil {
						c.logger.Errorf("closing connection after failed rollback: %v", clerr)
					}
				}
				exitErr = err
			}
		}

	default:
		// The block failed, or an inner block already marked the
		// transaction for rollback. Clear the mark; it is re-armed
		// below when the rollback cannot happen at this level.
		rbcause := c.rollbackCause
		c.needsRollback = false
		c.rollbackCause = nil
		if c.inAtomicBlock {
			if sid == "" {
				// No savepoint to rewind to; the enclosing block has
				// to do the rollback.
				c.poison(rbcause)
			} else {
				// Rewind to the savepoint, then release it since it
				// won't be reused. Failures here poison the enclosing
				// transaction instead of shadowing the block's error.
				if err := c.SavepointRollback(ctx, sid); err != nil {
					c.poison(rbcause)
				} else if err := c.SavepointCommit(ctx, sid); err != nil {
					c.poison(rbcause)
				}
			}
		} else {
			if err := c.Rollback(ctx); err != nil {
				// A failing rollback means the connection is unusable.
				// Drop it.
				if clerr := c.Close(); clerr != nil {
					c.logger.Errorf("closing connection after failed rollback: %v", clerr)
				}
			}
		}
	}

	// Outermost exit of a transaction this block stack owned: restore
	// autocommit. Outermost exit over someone else's transaction: leave
	// the transaction alone and just stop tracking the block.
	if !c.inAtomicBlock {
		if !c.closedInTransaction {
			if err := c.SetAutocommit(ctx, true, false); err != nil {
				if exitErr == nil && cause == nil {
					exitErr = err
				} else {
					c.logger.Errorf("restoring autocommit: %v", err)
				}
			}
		}
	} else if len(c.savepointIDs) == 0 && !c.commitOnExit {
		if !c.closedInTransaction {
			c.inAtomicBlock = false
		}
	}

	return exitErr
}

// Run executes fn inside the block: Enter, fn, Exit. Exit always runs once
// Enter has succeeded, including when fn panics; the panic resumes after
// the rollback bookkeeping. An error from fn takes precedence over any
// error from the exit path.
func (a *Atomic) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	span, ctx := tracing.GlobalTracer.StartSpanFromContext(ctx, "Atomic.Run")
	defer span.Finish()

	if err := a.Enter(ctx); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = a.Exit(ctx, errBlockPanicked)
			panic(p)
		}
	}()
	ferr := fn(ctx)
	xerr := a.Exit(ctx, ferr)
	if ferr != nil {
		return ferr
	}
	return xerr
}

// errBlockPanicked stands in as the exit cause while unwinding a panic out
// of a block body. It never escapes: the panic resumes once Exit returns.
var errBlockPanicked = errors.Errorf("atomic block panicked")

// Wrap returns a function that runs fn inside this block every time it is
// called.
func (a *Atomic) Wrap(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return a.Run(ctx, fn)
	}
}
