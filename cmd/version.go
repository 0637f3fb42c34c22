// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/dbtx"
)

func newVersionCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	ccmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information.",
		RunE: func(c *cobra.Command, args []string) error {
			fmt.Fprintln(stdout, dbtx.VersionInfo())
			return nil
		},
	}
	return ccmd
}
