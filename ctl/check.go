// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"golang.org/x/sync/errgroup"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
)

// CheckCommand probes database targets for working transaction control. For
// each DSN it opens a connection and runs a nested atomic block that is
// rolled back at the end, which exercises BEGIN, SAVEPOINT, RELEASE and
// ROLLBACK without leaving anything behind on the server.
type CheckCommand struct {
	// DSNs are the targets to probe, in scheme://... form.
	DSNs []string

	// Concurrency bounds how many targets are probed at once.
	Concurrency int

	// Timeout bounds the whole probe of one target.
	Timeout time.Duration

	*dbtx.CmdIO
}

// NewCheckCommand returns a new instance of CheckCommand.
func NewCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *CheckCommand {
	return &CheckCommand{
		Concurrency: 4,
		Timeout:     30 * time.Second,
		CmdIO:       dbtx.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run probes every target and renders one row per DSN. It returns an error
// when any probe failed, after the table is printed.
func (cmd *CheckCommand) Run(ctx context.Context) error {
	if len(cmd.DSNs) == 0 {
		return errors.Errorf("no targets; pass at least one --dsn")
	}

	results := make([]probeResult, len(cmd.DSNs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cmd.Concurrency)
	for i, dsn := range cmd.DSNs {
		i, dsn := i, dsn
		g.Go(func() error {
			pctx := gctx
			if cmd.Timeout > 0 {
				var cancel context.CancelFunc
				pctx, cancel = context.WithTimeout(gctx, cmd.Timeout)
				defer cancel()
			}
			results[i] = probeDSN(pctx, dsn, cmd.Logger())
			return nil
		})
	}
	// The group never carries an error; failures live in the result rows so
	// one bad target doesn't hide the others.
	_ = g.Wait()

	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"dsn", "driver", "latency", "status"})
	var failed int
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			failed++
			status = res.Err.Error()
		}
		t.AppendRow(table.Row{res.DSN, res.Driver, res.Latency.Round(time.Millisecond), status})
	}
	t.Render()

	if failed > 0 {
		return errors.Errorf("%d of %d targets failed", failed, len(cmd.DSNs))
	}
	fmt.Fprintf(cmd.Stdout, "%d targets ok\n", len(cmd.DSNs))
	return nil
}
