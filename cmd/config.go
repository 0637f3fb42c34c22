// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/dbtx/ctl"
)

func newGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewGenerateConfigCommand(stdin, stdout, stderr)
	ccmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Print a default config file to stdout.",
		Long: `
Prints the default configuration as TOML. Redirect it to a file, edit it,
and pass it back with --config.
`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.Run(context.Background())
		},
	}
	return ccmd
}
