// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/ctl"
)

func newBenchCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cmd := ctl.NewBenchCommand(stdin, stdout, stderr)
	conf := dbtx.NewConfig()
	ccmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark nested atomic blocks against one target.",
		Long: `
Runs workers that each iterate nested atomic blocks against the target, with
nesting depth, savepoint usage and rollback outcome drawn from a seeded
deterministic sequence. The same seed reproduces the same run.
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
			cmd.MetricService = conf.Metric.Service
			cmd.MetricHost = conf.Metric.Host
			cmd.PollInterval = time.Duration(conf.Metric.PollInterval)
			return cmd.Run(context.Background())
		},
	}

	flags := ccmd.Flags()
	flags.StringVar(&conf.LogPath, "log-path", conf.LogPath, "Log to this file instead of stderr. Reopened on SIGHUP.")
	flags.BoolVar(&conf.Verbose, "verbose", conf.Verbose, "Enable verbose logging.")
	flags.StringVar(&cmd.DSN, "dsn", "", "Target DSN (scheme://...).")
	flags.IntVar(&cmd.Workers, "workers", cmd.Workers, "Concurrent connections.")
	flags.IntVar(&cmd.Iterations, "iterations", cmd.Iterations, "Outermost blocks per worker.")
	flags.IntVar(&cmd.MaxDepth, "max-depth", cmd.MaxDepth, "Maximum block nesting depth.")
	flags.Float64Var(&cmd.RollbackFraction, "rollback-fraction", cmd.RollbackFraction, "Probability an iteration's innermost block rolls back.")
	flags.Float64Var(&cmd.Rate, "rate", 0, "Outermost blocks per second across all workers. 0 means unlimited.")
	flags.Int64Var(&cmd.Seed, "seed", 0, "Seed for the decision sequence.")
	flags.StringVar(&cmd.FgprofPath, "fgprof", "", "Write a wallclock profile of the run to this path.")
	flags.StringVar(&cmd.MetricsJSONPath, "metrics-json", "", "Dump gathered Prometheus metric families as JSON to this path.")
	flags.StringVar(&conf.Metric.Service, "metric.service", conf.Metric.Service, "Where to report metrics (none, expvar, statsd, prometheus).")
	flags.StringVar(&conf.Metric.Host, "metric.host", conf.Metric.Host, "URI of the metric reporting service.")
	flags.Var(&conf.Metric.PollInterval, "metric.poll-interval", "Runtime monitor sampling interval. 0 disables the monitor.")
	flags.StringVar(&conf.Tracing.AgentHostPort, "tracing.agent-host-port", conf.Tracing.AgentHostPort, "Jaeger agent host:port.")
	flags.StringVar(&conf.Tracing.SamplerType, "tracing.sampler-type", conf.Tracing.SamplerType, "Jaeger sampler type (const, probabilistic, ratelimiting, remote) or 'off'.")
	flags.Float64Var(&conf.Tracing.SamplerParam, "tracing.sampler-param", conf.Tracing.SamplerParam, "Jaeger sampler parameter.")
	flags.StringVar(&conf.Sentry.DSN, "sentry.dsn", conf.Sentry.DSN, "Sentry project DSN. Empty disables error monitoring.")
	return ccmd
}
