// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dbtx

import (
	"sync"

	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/stats"
	"golang.org/x/exp/slices"
)

// Registry maps connection ids to their managed transaction state. The map
// itself is safe for concurrent use, so different goroutines can each own a
// different connection; the Conns handed out are not internally locked.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnectionID]*Conn

	logger logger.Logger
	stats  stats.StatsClient
}

// RegistryOption is a functional option type for Registry.
type RegistryOption func(r *Registry) error

// OptRegistryLogger sets the logger connections report through. The default
// is logger.NopLogger.
func OptRegistryLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) error {
		r.logger = l
		return nil
	}
}

// OptRegistryStatsClient sets the stats client transaction metrics go to.
// The default is stats.NopStatsClient.
func OptRegistryStatsClient(s stats.StatsClient) RegistryOption {
	return func(r *Registry) error {
		r.stats = s
		return nil
	}
}

// NewRegistry returns a new Registry with no connections.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		conns:  make(map[ConnectionID]*Conn),
		logger: logger.NopLogger,
		stats:  stats.NopStatsClient,
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register installs driver under id with fresh transaction state and
// returns the managed connection. Registering an id again replaces the
// previous driver and discards its state entirely; this is also how a
// connection that was closed mid-transaction comes back into service.
func (r *Registry) Register(id ConnectionID, driver Connection) (*Conn, error) {
	if id == "" {
		id = DefaultConnection
	}
	c := &Conn{
		id:     id,
		driver: driver,
		logger: r.logger.WithPrefix("conn " + string(id) + ": "),
		stats:  r.stats.WithTags("connection:" + string(id)),
	}
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return c, nil
}

// Connection returns the managed connection registered under id.
func (r *Registry) Connection(id ConnectionID) (*Conn, error) {
	return r.conn(id)
}

func (r *Registry) conn(id ConnectionID) (*Conn, error) {
	if id == "" {
		id = DefaultConnection
	}
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return nil, NewErrConnectionNotFound(id)
	}
	return c, nil
}

// IDs returns the registered connection ids in sorted order.
func (r *Registry) IDs() []ConnectionID {
	r.mu.RLock()
	ids := make([]ConnectionID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Atomic returns a block handle for the named connection. An empty id means
// DefaultConnection. The handle is stateless and can be reused for any
// number of blocks, nested or not.
func (r *Registry) Atomic(using ConnectionID, opts ...AtomicOption) *Atomic {
	if using == "" {
		using = DefaultConnection
	}
	a := &Atomic{
		registry:  r,
		using:     using,
		savepoint: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}
