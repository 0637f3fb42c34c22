// Copyright 2017 Pilosa Corp.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dbtx

import (
	"context"
	"runtime"
	"time"

	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/stats"
)

// Ensure nopGCNotifier implements interface.
var _ GCNotifier = &nopGCNotifier{}

// GCNotifier represents an interface for garbage collection notifications.
// gcnotify provides an active implementation.
type GCNotifier interface {
	Close()
	AfterGC() <-chan struct{}
}

func init() {
	NopGCNotifier = &nopGCNotifier{}
}

// NopGCNotifier represents a GCNotifier that doesn't do anything.
var NopGCNotifier GCNotifier

type nopGCNotifier struct{}

// Close is a no-op implementation of GCNotifier Close method.
func (n *nopGCNotifier) Close() {}

// AfterGC is a no-op implementation of GCNotifier AfterGC method.
func (c *nopGCNotifier) AfterGC() <-chan struct{} {
	return nil
}

// RuntimeMonitor periodically reports process level stats: the goroutine
// count, heap in use, and a counter of completed garbage collection cycles.
// Long running commands start one next to their registry so the transaction
// metrics have runtime context.
type RuntimeMonitor struct {
	stats    stats.StatsClient
	gcn      GCNotifier
	logger   logger.Logger
	interval time.Duration
}

// NewRuntimeMonitor returns a monitor reporting to s every interval. An
// interval of zero disables the monitor.
func NewRuntimeMonitor(s stats.StatsClient, gcn GCNotifier, log logger.Logger, interval time.Duration) *RuntimeMonitor {
	if s == nil {
		s = stats.NopStatsClient
	}
	if gcn == nil {
		gcn = NopGCNotifier
	}
	if log == nil {
		log = logger.NopLogger
	}
	return &RuntimeMonitor{
		stats:    s,
		gcn:      gcn,
		logger:   log,
		interval: interval,
	}
}

// Run samples runtime stats until ctx is canceled. It owns the notifier and
// closes it on the way out. Callers normally run it in a goroutine.
func (m *RuntimeMonitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	defer m.gcn.Close()

	m.logger.Debugf("runtime stats initializing (%s interval)", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	var mem runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.gcn.AfterGC():
			m.stats.Count(MetricGarbageCollection, 1, 1.0)
		case <-ticker.C:
		}

		m.stats.Gauge(MetricGoroutines, float64(runtime.NumGoroutine()), 1.0)
		runtime.ReadMemStats(&mem)
		m.stats.Gauge(MetricHeapAlloc, float64(mem.HeapAlloc), 1.0)
	}
}
