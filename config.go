// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx

import (
	"time"

	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/toml"
)

const (
	// DefaultMetricService sets the internal metrics to no-op.
	DefaultMetricService = "none"

	// DefaultMetricPollInterval is how often the runtime monitor samples
	// process stats.
	DefaultMetricPollInterval = 15 * time.Second
)

// ErrConfigInvalid covers rejected configuration values.
const ErrConfigInvalid errors.Code = "ConfigInvalid"

// metricServices are the accepted metric.service values.
var metricServices = []string{"none", "nop", "expvar", "statsd", "prometheus"}

// samplerTypes are the accepted tracing.sampler-type values.
var samplerTypes = []string{"off", "const", "probabilistic", "ratelimiting", "remote"}

// Config represents the configuration for the commands.
type Config struct {
	// LogPath configures where log output is written. Empty means stderr.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// Connections maps connection ids to database DSNs. The empty id names
	// the default connection.
	Connections map[string]string `toml:"connections"`

	Metric struct {
		// Service can be statsd, prometheus, expvar, or none.
		Service string `toml:"service"`
		// Host tells the statsd client where to write.
		Host string `toml:"host"`
		// PollInterval is how often the runtime monitor samples process
		// stats. Zero disables the monitor.
		PollInterval toml.Duration `toml:"poll-interval"`
	} `toml:"metric"`

	Tracing struct {
		// SamplerType can be const, probabilistic, ratelimiting, remote, or
		// off.
		SamplerType string `toml:"sampler-type"`
		// SamplerParam is the sampler parameter.
		SamplerParam float64 `toml:"sampler-param"`
		// AgentHostPort of the Jaeger agent. Empty disables tracing.
		AgentHostPort string `toml:"agent-host-port"`
	} `toml:"tracing"`

	Sentry struct {
		// DSN identifies the Sentry project to report errors to. Empty
		// disables error monitoring.
		DSN string `toml:"dsn"`
	} `toml:"sentry"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{}

	// Metric config.
	c.Metric.Service = DefaultMetricService
	c.Metric.PollInterval = toml.Duration(DefaultMetricPollInterval)

	// Tracing config.
	c.Tracing.SamplerType = "off"
	c.Tracing.SamplerParam = 1.0

	return c
}

// Validate that all configuration permutations are compatible with each other.
func (c *Config) Validate() error {
	if !stringInSlice(c.Metric.Service, metricServices) {
		return errors.New(ErrConfigInvalid, "invalid metric service: '"+c.Metric.Service+"'")
	}
	if !stringInSlice(c.Tracing.SamplerType, samplerTypes) {
		return errors.New(ErrConfigInvalid, "invalid tracing sampler type: '"+c.Tracing.SamplerType+"'")
	}
	return nil
}

func stringInSlice(s string, list []string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
