// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/dbtx/ctl"
)

func newCheckCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewCheckCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "check",
		Short: "Probe targets for working transaction control.",
		Long: `
Opens each target and runs a nested atomic block that is rolled back at the
end, verifying BEGIN, SAVEPOINT, RELEASE and ROLLBACK work. Nothing is left
behind on the servers. Prints one row per target and exits nonzero when any
probe failed.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(context.Background())
		},
	}

	flags := ccmd.Flags()
	flags.StringSliceVar(&cmd.DSNs, "dsn", nil, "Target DSN (scheme://...). Repeatable.")
	flags.IntVar(&cmd.Concurrency, "concurrency", cmd.Concurrency, "Number of targets probed at once.")
	flags.DurationVar(&cmd.Timeout, "timeout", cmd.Timeout, "Bound on the probe of one target.")
	return ccmd
}
