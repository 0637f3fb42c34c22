// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/felixge/fgprof"
	"github.com/molecula/apophenia"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prom2json"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/gcnotify"
	"github.com/featurebasedb/dbtx/gopsutil"
	"github.com/featurebasedb/dbtx/sqldb"
)

// BenchCommand drives nested atomic blocks against one target, measuring
// transaction control throughput rather than query throughput. Every worker
// owns its own connection and iterates blocks whose nesting depth,
// savepoint usage and rollback outcome come from a seeded deterministic
// sequence, so a run can be reproduced exactly with the same seed.
type BenchCommand struct {
	// DSN is the target, in scheme://... form.
	DSN string

	// Workers is the number of concurrent connections.
	Workers int

	// Iterations is the number of outermost blocks each worker runs.
	Iterations int

	// MaxDepth bounds block nesting. Depth cycles from 1 to MaxDepth.
	MaxDepth int

	// RollbackFraction is the probability that the innermost block of an
	// iteration fails and rolls back.
	RollbackFraction float64

	// Rate limits outermost blocks per second across all workers. Zero
	// means unlimited.
	Rate float64

	// Seed selects the decision sequence.
	Seed int64

	// FgprofPath, when set, writes a wallclock profile of the run.
	FgprofPath string

	// MetricsJSONPath, when set, dumps the gathered Prometheus metric
	// families as JSON after the run. Only useful together with the
	// prometheus metric service.
	MetricsJSONPath string

	// MetricService and MetricHost configure where transaction metrics go;
	// see dbtx config's metric section.
	MetricService string
	MetricHost    string

	// PollInterval is how often the runtime monitor samples process stats.
	// Zero disables the monitor.
	PollInterval time.Duration

	*dbtx.CmdIO

	// open returns the connection a worker runs on. Tests swap this out;
	// the default opens DSN through sqldb.
	open func(ctx context.Context, worker int) (dbtx.Connection, error)

	commits   int64
	rollbacks int64
}

// NewBenchCommand returns a new instance of BenchCommand.
func NewBenchCommand(stdin io.Reader, stdout, stderr io.Writer) *BenchCommand {
	cmd := &BenchCommand{
		Workers:          4,
		Iterations:       1000,
		MaxDepth:         3,
		RollbackFraction: 0.1,
		MetricService:    "none",
		CmdIO:            dbtx.NewCmdIO(stdin, stdout, stderr),
	}
	cmd.open = func(ctx context.Context, worker int) (dbtx.Connection, error) {
		return sqldb.OpenDSN(ctx, cmd.DSN, sqldb.OptDriverLogger(cmd.Logger()))
	}
	return cmd
}

// errBenchRollback is the injected failure that forces a block onto the
// rollback path.
var errBenchRollback = errors.Errorf("bench: forced rollback")

// Run executes the benchmark and prints a summary line.
func (cmd *BenchCommand) Run(ctx context.Context) error {
	if cmd.RollbackFraction < 0 || cmd.RollbackFraction > 1 {
		return errors.Errorf("rollback fraction must be between 0 and 1, got %f", cmd.RollbackFraction)
	}
	if cmd.Workers < 1 || cmd.Iterations < 1 || cmd.MaxDepth < 1 {
		return errors.Errorf("workers, iterations and max depth must all be at least 1")
	}
	cmd.Logger().Debugf("bench config: %s", spew.Sdump(struct {
		DSN        string
		Workers    int
		Iterations int
		MaxDepth   int
		Rollback   float64
		Seed       int64
	}{sqldb.RedactDSN(cmd.DSN), cmd.Workers, cmd.Iterations, cmd.MaxDepth, cmd.RollbackFraction, cmd.Seed}))

	statsClient, err := NewStatsClient(cmd.MetricService, cmd.MetricHost)
	if err != nil {
		return errors.Wrap(err, "creating stats client")
	}
	statsClient.Open()
	defer statsClient.Close()

	if cmd.FgprofPath != "" {
		f, err := os.Create(cmd.FgprofPath)
		if err != nil {
			return errors.Wrap(err, "creating fgprof output")
		}
		stop := fgprof.Start(f, fgprof.FormatPprof)
		defer func() {
			if err := stop(); err != nil {
				cmd.Logger().Errorf("stopping fgprof: %v", err)
			}
			if err := f.Close(); err != nil {
				cmd.Logger().Errorf("closing fgprof output: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	gcn := dbtx.NopGCNotifier
	if cmd.PollInterval > 0 {
		gcn = gcnotify.NewActiveGCNotifier()
	}
	monitor := dbtx.NewRuntimeMonitor(statsClient, gcn, cmd.Logger(), cmd.PollInterval)
	go monitor.Run(ctx)

	si := gopsutil.NewSystemInfo()
	if platform, err := si.Platform(); err == nil {
		memTotal, _ := si.MemTotal()
		fmt.Fprintf(cmd.Stdout, "host: %s, %d MB\n", platform, memTotal/(1<<20))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cmd.Rate > 0 {
		burst := int(cmd.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cmd.Rate), burst)
	}

	reg, err := dbtx.NewRegistry(
		dbtx.OptRegistryLogger(cmd.Logger()),
		dbtx.OptRegistryStatsClient(statsClient),
	)
	if err != nil {
		return errors.Wrap(err, "creating registry")
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cmd.Workers; w++ {
		w := w
		g.Go(func() error {
			return cmd.runWorker(gctx, reg, w, limiter)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := cmd.Workers * cmd.Iterations
	fmt.Fprintf(cmd.Stdout, "%d blocks in %s (%.0f blocks/sec), %d committed, %d rolled back\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds(),
		atomic.LoadInt64(&cmd.commits), atomic.LoadInt64(&cmd.rollbacks))

	if cmd.MetricsJSONPath != "" {
		if err := cmd.dumpMetrics(); err != nil {
			return errors.Wrap(err, "dumping metrics")
		}
	}
	return nil
}

// runWorker registers one connection and runs this worker's share of the
// iterations on it.
func (cmd *BenchCommand) runWorker(ctx context.Context, reg *dbtx.Registry, worker int, limiter *rate.Limiter) error {
	driver, err := cmd.open(ctx, worker)
	if err != nil {
		return errors.Wrapf(err, "worker %d: opening connection", worker)
	}
	id := dbtx.ConnectionID(fmt.Sprintf("bench-%d", worker))
	c, err := reg.Register(id, driver)
	if err != nil {
		_ = driver.Close()
		return errors.Wrapf(err, "worker %d: registering connection", worker)
	}
	defer func() {
		if err := c.Close(); err != nil {
			cmd.Logger().Errorf("worker %d: closing connection: %v", worker, err)
		}
	}()

	// Each worker gets its own decision streams so workers stay
	// decorrelated while the whole run remains a pure function of the seed.
	seq := apophenia.NewSequence(cmd.Seed + int64(worker))
	roll, err := apophenia.NewWeighted(seq)
	if err != nil {
		return errors.Wrapf(err, "worker %d: seeding rollback stream", worker)
	}
	coin, err := apophenia.NewWeighted(apophenia.NewSequence(cmd.Seed + int64(worker) + 1<<32))
	if err != nil {
		return errors.Wrapf(err, "worker %d: seeding savepoint stream", worker)
	}
	rollDensity := uint64(cmd.RollbackFraction * 256)

	for it := 0; it < cmd.Iterations; it++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		off := apophenia.OffsetFor(apophenia.SequenceWeighted, 0, 0, 0)
		off.Lo = uint64(it) * 128
		rollback := roll.Bits(off, rollDensity, 256).Lo&1 == 1
		nosp := coin.Bits(off, 128, 256).Lo&1 == 1
		depth := it%cmd.MaxDepth + 1

		if err := cmd.runBlock(ctx, reg, c, id, depth, rollback, nosp); err != nil {
			return errors.Wrapf(err, "worker %d: iteration %d", worker, it)
		}
	}
	return nil
}

// runBlock opens one block and recurses until depth is exhausted. The
// rollback decision applies to the innermost block; enclosing blocks absorb
// the injected failure the way application code absorbs a failed sub-step,
// so a savepoint rollback at depth N still lets the outer blocks commit.
// When nosp is set the nested blocks decline savepoints and the failure
// poisons the whole stack instead.
func (cmd *BenchCommand) runBlock(ctx context.Context, reg *dbtx.Registry, c *dbtx.Conn, id dbtx.ConnectionID, depth int, rollback, nosp bool) error {
	var opts []dbtx.AtomicOption
	if nosp && c.InAtomicBlock() {
		opts = append(opts, dbtx.OptAtomicNoSavepoint())
	}
	outermost := !c.InAtomicBlock()
	err := reg.Atomic(id, opts...).Run(ctx, func(ctx context.Context) error {
		cmd.exercise(ctx, c)
		if depth > 1 {
			err := cmd.runBlock(ctx, reg, c, id, depth-1, rollback, nosp)
			if err == errBenchRollback && !nosp {
				// The child's savepoint contained the failure; this
				// level and everything above still commits.
				return nil
			}
			return err
		}
		if rollback {
			return errBenchRollback
		}
		return nil
	})
	if !outermost {
		return err
	}
	if err == nil {
		atomic.AddInt64(&cmd.commits, 1)
		return nil
	}
	atomic.AddInt64(&cmd.rollbacks, 1)
	if err == errBenchRollback {
		// The injected failure did its job; don't fail the run.
		return nil
	}
	return err
}

// exercise runs a trivial statement inside the block when the connection
// has a statement surface, so the blocks wrap real work.
func (cmd *BenchCommand) exercise(ctx context.Context, c *dbtx.Conn) {
	s, err := sqldb.NewSession(c)
	if err != nil {
		return
	}
	row, err := s.QueryRowContext(ctx, "SELECT 1")
	if err != nil {
		return
	}
	var one int
	_ = row.Scan(&one)
}

// dumpMetrics gathers the default Prometheus registry and writes the
// families as JSON.
func (cmd *BenchCommand) dumpMetrics() error {
	mfs, err := prom.DefaultGatherer.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering")
	}
	families := make([]*prom2json.Family, 0, len(mfs))
	for _, mf := range mfs {
		families = append(families, prom2json.NewFamily(mf))
	}
	buf, err := json.MarshalIndent(families, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling")
	}
	return os.WriteFile(cmd.MetricsJSONPath, append(buf, '\n'), 0o644)
}
