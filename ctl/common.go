// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package ctl contains the commands behind the dbtx binary.
package ctl

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/monitor"
	"github.com/featurebasedb/dbtx/prometheus"
	"github.com/featurebasedb/dbtx/sqldb"
	"github.com/featurebasedb/dbtx/stats"
	"github.com/featurebasedb/dbtx/statsd"
	"github.com/featurebasedb/dbtx/tracing"
	wrapper "github.com/featurebasedb/dbtx/tracing/opentracing"
)

// NewStatsClient creates a stats client from the config.
func NewStatsClient(name string, host string) (stats.StatsClient, error) {
	switch name {
	case "expvar":
		return stats.NewExpvarStatsClient(), nil
	case "statsd":
		return statsd.NewStatsClient(host, "dbtx")
	case "prometheus":
		return prometheus.NewPrometheusClient()
	default:
		return stats.NopStatsClient, nil
	}
}

// SetupLogger builds the logger based on the configuration: verbose or not,
// to stderr or to the configured log path. A file-backed logger reopens its
// file on SIGHUP so log rotation works.
func SetupLogger(cfg *dbtx.Config, stderr io.Writer) (logger.Logger, error) {
	logOutput := stderr
	if cfg.LogPath != "" {
		f, err := logger.NewFileWriter(cfg.LogPath)
		if err != nil {
			return nil, errors.Wrap(err, "opening file")
		}
		logOutput = f
		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for range sighup {
				// reopen log file on SIGHUP
				if err := f.Reopen(); err != nil {
					logger.NewStandardLogger(stderr).Errorf("reopen: %v", err)
				}
			}
		}()
	}
	if cfg.Verbose {
		return logger.NewVerboseLogger(logOutput), nil
	}
	return logger.NewStandardLogger(logOutput), nil
}

// SetupTracer installs a Jaeger tracer as the global tracer when the config
// enables tracing. The returned closer flushes the reporter; it is nil when
// tracing stays off.
func SetupTracer(cfg *dbtx.Config, log logger.Logger) (io.Closer, error) {
	if cfg.Tracing.SamplerType == "off" || cfg.Tracing.AgentHostPort == "" {
		return nil, nil
	}
	jc := jaegercfg.Configuration{
		ServiceName: "dbtx",
		Sampler: &jaegercfg.SamplerConfig{
			Type:  cfg.Tracing.SamplerType,
			Param: cfg.Tracing.SamplerParam,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LocalAgentHostPort: cfg.Tracing.AgentHostPort,
		},
	}
	tracer, closer, err := jc.NewTracer()
	if err != nil {
		return nil, errors.Wrap(err, "creating jaeger tracer")
	}
	log.Debugf("tracing to jaeger agent at %s", cfg.Tracing.AgentHostPort)
	tracing.GlobalTracer = wrapper.NewTracer(tracer)
	return closer, nil
}

// SetupMonitor turns on error monitoring when the config carries a Sentry
// DSN.
func SetupMonitor(cfg *dbtx.Config) {
	if cfg.Sentry.DSN == "" {
		return
	}
	monitor.InitErrorMonitor(cfg.Sentry.DSN, dbtx.Version)
}

// probeResult is one row of a check run.
type probeResult struct {
	DSN     string
	Driver  string
	Latency time.Duration
	Err     error
}

// probeDSN opens dsn, pings it, and runs a nested atomic block that is
// forced to roll back at the end, proving BEGIN, SAVEPOINT, RELEASE and
// ROLLBACK all work without leaving anything behind.
func probeDSN(ctx context.Context, dsn string, log logger.Logger) probeResult {
	res := probeResult{DSN: sqldb.RedactDSN(dsn)}
	start := time.Now()
	defer func() { res.Latency = time.Since(start) }()

	d, err := sqldb.OpenDSN(ctx, dsn, sqldb.OptDriverLogger(log))
	if err != nil {
		res.Err = err
		return res
	}
	res.Driver = d.Dialect().Name

	if err := d.Ping(ctx); err != nil {
		res.Err = errors.Wrap(err, "pinging")
		_ = d.Close()
		return res
	}

	reg, err := dbtx.NewRegistry(dbtx.OptRegistryLogger(log))
	if err != nil {
		res.Err = err
		_ = d.Close()
		return res
	}
	c, err := reg.Register("probe", d)
	if err != nil {
		res.Err = err
		_ = d.Close()
		return res
	}
	defer func() {
		if err := c.Close(); err != nil && res.Err == nil {
			res.Err = err
		}
	}()

	res.Err = reg.Atomic("probe").Run(ctx, func(ctx context.Context) error {
		err := reg.Atomic("probe").Run(ctx, func(context.Context) error { return nil })
		if err != nil {
			return err
		}
		// Roll the whole probe back so the target is left untouched.
		return c.SetRollback(true)
	})
	return res
}
