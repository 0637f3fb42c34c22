// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/logger"
)

// ProbeCommand is the single-target flavor of check, shaped for commandeer:
// its exported fields become the dbtx-probe binary's flags and environment
// variables. It exits zero only when the target's transaction control works
// end to end.
type ProbeCommand struct {
	DSN     string        `help:"Target DSN (scheme://...)."`
	Timeout time.Duration `help:"Bound on the whole probe."`
	Verbose bool          `help:"Enable verbose logging."`
	DryRun  bool          `flag:"dry-run" help:"Print the configuration and exit."`

	Stdout io.Writer `flag:"-"`
	log    logger.Logger
}

// NewProbeCommand returns a new instance of ProbeCommand.
func NewProbeCommand() *ProbeCommand {
	return &ProbeCommand{
		Timeout: 30 * time.Second,
		Stdout:  os.Stdout,
	}
}

// Log returns the command's logger, which exists once Run has started.
func (m *ProbeCommand) Log() logger.Logger { return m.log }

// Run probes the target once.
func (m *ProbeCommand) Run() error {
	if m.Verbose {
		m.log = logger.NewVerboseLogger(os.Stderr)
	} else {
		m.log = logger.NewStandardLogger(os.Stderr)
	}
	if m.DSN == "" {
		return errors.Errorf("no target; set -dsn or DBTXPROBE_DSN")
	}

	ctx := context.Background()
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	res := probeDSN(ctx, m.DSN, m.log)
	if res.Err != nil {
		return errors.Wrapf(res.Err, "probing %s", res.DSN)
	}
	fmt.Fprintf(m.Stdout, "%s ok: driver=%s latency=%s\n", res.DSN, res.Driver, res.Latency.Round(time.Millisecond))
	return nil
}
