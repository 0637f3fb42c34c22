// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package mock provides func-field test doubles for the dbtx interfaces.
package mock

import (
	"context"
	"io"
	"time"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/stats"
)

var _ dbtx.Connection = (*Connection)(nil)

// Connection is a func-field test double for dbtx.Connection. Each method
// delegates to the corresponding field, so tests only stub what they touch
// and an unexpected call fails loudly.
type Connection struct {
	GetAutocommitFunc     func() bool
	SetAutocommitFunc     func(ctx context.Context, autocommit bool, forceBegin bool) error
	CommitFunc            func(ctx context.Context) error
	RollbackFunc          func(ctx context.Context) error
	CloseFunc             func() error
	SavepointFunc         func(ctx context.Context) (string, error)
	SavepointCommitFunc   func(ctx context.Context, sid string) error
	SavepointRollbackFunc func(ctx context.Context, sid string) error
	CleanSavepointsFunc   func()
}

func (c *Connection) GetAutocommit() bool {
	return c.GetAutocommitFunc()
}

func (c *Connection) SetAutocommit(ctx context.Context, autocommit bool, forceBegin bool) error {
	return c.SetAutocommitFunc(ctx, autocommit, forceBegin)
}

func (c *Connection) Commit(ctx context.Context) error {
	return c.CommitFunc(ctx)
}

func (c *Connection) Rollback(ctx context.Context) error {
	return c.RollbackFunc(ctx)
}

func (c *Connection) Close() error {
	return c.CloseFunc()
}

func (c *Connection) Savepoint(ctx context.Context) (string, error) {
	return c.SavepointFunc(ctx)
}

func (c *Connection) SavepointCommit(ctx context.Context, sid string) error {
	return c.SavepointCommitFunc(ctx, sid)
}

func (c *Connection) SavepointRollback(ctx context.Context, sid string) error {
	return c.SavepointRollbackFunc(ctx, sid)
}

func (c *Connection) CleanSavepoints() {
	c.CleanSavepointsFunc()
}

var _ stats.StatsClient = (*StatsClient)(nil)

// StatsClient is a func-field test double for stats.StatsClient. Unlike
// Connection, unset fields are no-ops: the transaction machinery reports
// many metrics, and a test usually cares about one or two of them.
type StatsClient struct {
	TagsFunc                func() []string
	WithTagsFunc            func(tags ...string) stats.StatsClient
	CountFunc               func(name string, value int64, rate float64)
	CountWithCustomTagsFunc func(name string, value int64, rate float64, tags []string)
	GaugeFunc               func(name string, value float64, rate float64)
	HistogramFunc           func(name string, value float64, rate float64)
	SetFunc                 func(name string, value string, rate float64)
	TimingFunc              func(name string, value time.Duration, rate float64)
	SetLoggerFunc           func(logger io.Writer)
	OpenFunc                func()
	CloseFunc               func() error
}

func (s *StatsClient) Tags() []string {
	if s.TagsFunc != nil {
		return s.TagsFunc()
	}
	return nil
}

func (s *StatsClient) WithTags(tags ...string) stats.StatsClient {
	if s.WithTagsFunc != nil {
		return s.WithTagsFunc(tags...)
	}
	return s
}

func (s *StatsClient) Count(name string, value int64, rate float64) {
	if s.CountFunc != nil {
		s.CountFunc(name, value, rate)
	}
}

func (s *StatsClient) CountWithCustomTags(name string, value int64, rate float64, tags []string) {
	if s.CountWithCustomTagsFunc != nil {
		s.CountWithCustomTagsFunc(name, value, rate, tags)
	}
}

func (s *StatsClient) Gauge(name string, value float64, rate float64) {
	if s.GaugeFunc != nil {
		s.GaugeFunc(name, value, rate)
	}
}

func (s *StatsClient) Histogram(name string, value float64, rate float64) {
	if s.HistogramFunc != nil {
		s.HistogramFunc(name, value, rate)
	}
}

func (s *StatsClient) Set(name string, value string, rate float64) {
	if s.SetFunc != nil {
		s.SetFunc(name, value, rate)
	}
}

func (s *StatsClient) Timing(name string, value time.Duration, rate float64) {
	if s.TimingFunc != nil {
		s.TimingFunc(name, value, rate)
	}
}

func (s *StatsClient) SetLogger(logger io.Writer) {
	if s.SetLoggerFunc != nil {
		s.SetLoggerFunc(logger)
	}
}

func (s *StatsClient) Open() {
	if s.OpenFunc != nil {
		s.OpenFunc()
	}
}

func (s *StatsClient) Close() error {
	if s.CloseFunc != nil {
		return s.CloseFunc()
	}
	return nil
}
