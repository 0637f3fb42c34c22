// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/ctl"
)

func newShellCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewShellCommand(stdin, stdout, stderr)
	conf := dbtx.NewConfig()
	ccmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell with atomic block control.",
		Long: `
An interactive shell against one target. Plain SQL statements run on the
connection; backslash commands drive the transaction machinery, so nested
atomic blocks, savepoints and the needs-rollback flag can be explored by
hand. Type \? inside the shell for the command list.
`,
		RunE: func(c *cobra.Command, args []string) error {
			if err := conf.Validate(); err != nil {
				return err
			}
			log, err := ctl.SetupLogger(conf, stderr)
			if err != nil {
				return err
			}
			cmd.SetLogger(log)
			ctl.SetupMonitor(conf)
			closer, err := ctl.SetupTracer(conf, cmd.Logger())
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer.Close()
			}
			return cmd.Run(context.Background())
		},
	}

	flags := ccmd.Flags()
	flags.StringVar(&conf.LogPath, "log-path", conf.LogPath, "Log to this file instead of stderr. Reopened on SIGHUP.")
	flags.BoolVar(&conf.Verbose, "verbose", conf.Verbose, "Enable verbose logging.")
	flags.StringVar(&cmd.DSN, "dsn", "", "Target DSN (scheme://...).")
	flags.StringVar(&cmd.HistoryPath, "history-path", "", "Readline history file. Defaults to ~/.dbtx/shell_history.")
	flags.StringVar(&conf.Tracing.AgentHostPort, "tracing.agent-host-port", conf.Tracing.AgentHostPort, "Jaeger agent host:port.")
	flags.StringVar(&conf.Tracing.SamplerType, "tracing.sampler-type", conf.Tracing.SamplerType, "Jaeger sampler type (const, probabilistic, ratelimiting, remote) or 'off'.")
	flags.Float64Var(&conf.Tracing.SamplerParam, "tracing.sampler-param", conf.Tracing.SamplerParam, "Jaeger sampler parameter.")
	flags.StringVar(&conf.Sentry.DSN, "sentry.dsn", conf.Sentry.DSN, "Sentry project DSN. Empty disables error monitoring.")
	return ccmd
}
