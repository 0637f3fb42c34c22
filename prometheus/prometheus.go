// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package prometheus implements stats.StatsClient on the Prometheus client
// library. Collectors register with the default registerer, so the standard
// handlers and gatherers see them without extra wiring. Tags of the form
// "key:value" become labels.
package prometheus

import (
	"io"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/logger"
	"github.com/featurebasedb/dbtx/stats"
)

// namespace prefixes every metric name.
const namespace = "dbtx"

// Ensure client implements interface.
var _ stats.StatsClient = &prometheusClient{}

// prometheusClient represents a Prometheus implementation of
// stats.StatsClient.
type prometheusClient struct {
	tags   []string
	logger logger.Logger
	shared *collectors
}

// collectors caches the registered vectors. Clones made by WithTags share
// one instance, keyed by metric name and label key set so every clone lands
// on the same collector.
type collectors struct {
	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
}

// NewPrometheusClient returns a new instance of the client.
func NewPrometheusClient() (*prometheusClient, error) {
	return &prometheusClient{
		logger: logger.NopLogger,
		shared: &collectors{
			counters:   map[string]*prom.CounterVec{},
			gauges:     map[string]*prom.GaugeVec{},
			histograms: map[string]*prom.HistogramVec{},
		},
	}, nil
}

// Open no-op
func (c *prometheusClient) Open() {}

// Close no-op; the registered collectors stay available to gatherers.
func (c *prometheusClient) Close() error {
	return nil
}

// Tags returns a sorted list of tags on the client.
func (c *prometheusClient) Tags() []string {
	return c.tags
}

// WithTags returns a new client with additional tags appended.
func (c *prometheusClient) WithTags(tags ...string) stats.StatsClient {
	return &prometheusClient{
		tags:   stats.UnionStringSlice(c.tags, tags),
		logger: c.logger,
		shared: c.shared,
	}
}

// Count tracks the number of times something occurs.
func (c *prometheusClient) Count(name string, value int64, rate float64) {
	c.add(name, float64(value), c.tags)
}

// CountWithCustomTags tracks the number of times something occurs with custom tags.
func (c *prometheusClient) CountWithCustomTags(name string, value int64, rate float64, t []string) {
	c.add(name, float64(value), stats.UnionStringSlice(c.tags, t))
}

func (c *prometheusClient) add(name string, value float64, tags []string) {
	keys, labels := tagsToLabels(tags)
	vec, err := c.shared.counterFor(name, keys)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Count error: %s", err)
		return
	}
	m, err := vec.GetMetricWith(labels)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Count error: %s", err)
		return
	}
	m.Add(value)
}

// Gauge sets the value of a metric.
func (c *prometheusClient) Gauge(name string, value float64, rate float64) {
	keys, labels := tagsToLabels(c.tags)
	vec, err := c.shared.gaugeFor(name, keys)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Gauge error: %s", err)
		return
	}
	m, err := vec.GetMetricWith(labels)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Gauge error: %s", err)
		return
	}
	m.Set(value)
}

// Histogram tracks statistical distribution of a metric.
func (c *prometheusClient) Histogram(name string, value float64, rate float64) {
	c.observe(name, value)
}

// Set tracks number of unique elements as a counter labeled by element.
func (c *prometheusClient) Set(name string, value string, rate float64) {
	keys, labels := tagsToLabels(c.tags)
	keys = append(keys, "value")
	labels["value"] = value
	vec, err := c.shared.counterFor(name, keys)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Set error: %s", err)
		return
	}
	m, err := vec.GetMetricWith(labels)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Set error: %s", err)
		return
	}
	m.Add(1)
}

// Timing tracks timing information for a metric in seconds.
func (c *prometheusClient) Timing(name string, value time.Duration, rate float64) {
	c.observe(name, value.Seconds())
}

func (c *prometheusClient) observe(name string, value float64) {
	keys, labels := tagsToLabels(c.tags)
	vec, err := c.shared.histogramFor(name, keys)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Histogram error: %s", err)
		return
	}
	m, err := vec.GetMetricWith(labels)
	if err != nil {
		c.logger.Printf("prometheus.StatsClient.Histogram error: %s", err)
		return
	}
	m.Observe(value)
}

// SetLogger sets the writer used for error logging.
func (c *prometheusClient) SetLogger(w io.Writer) {
	c.logger = logger.NewStandardLogger(w)
}

func (s *collectors) counterFor(name string, keys []string) (*prom.CounterVec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := cacheKey(name, keys)
	if vec, ok := s.counters[ck]; ok {
		return vec, nil
	}
	vec := prom.NewCounterVec(prom.CounterOpts{Namespace: namespace, Name: name}, keys)
	if err := prom.Register(vec); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prom.CounterVec); ok {
				s.counters[ck] = existing
				return existing, nil
			}
		}
		return nil, err
	}
	s.counters[ck] = vec
	return vec, nil
}

func (s *collectors) gaugeFor(name string, keys []string) (*prom.GaugeVec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := cacheKey(name, keys)
	if vec, ok := s.gauges[ck]; ok {
		return vec, nil
	}
	vec := prom.NewGaugeVec(prom.GaugeOpts{Namespace: namespace, Name: name}, keys)
	if err := prom.Register(vec); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prom.GaugeVec); ok {
				s.gauges[ck] = existing
				return existing, nil
			}
		}
		return nil, err
	}
	s.gauges[ck] = vec
	return vec, nil
}

func (s *collectors) histogramFor(name string, keys []string) (*prom.HistogramVec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := cacheKey(name, keys)
	if vec, ok := s.histograms[ck]; ok {
		return vec, nil
	}
	vec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Buckets:   prom.DefBuckets,
	}, keys)
	if err := prom.Register(vec); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prom.HistogramVec); ok {
				s.histograms[ck] = existing
				return existing, nil
			}
		}
		return nil, err
	}
	s.histograms[ck] = vec
	return vec, nil
}

func cacheKey(name string, keys []string) string {
	return name + "|" + strings.Join(keys, ",")
}

// tagsToLabels splits "key:value" tags into label keys and values. A tag
// without a colon becomes a label set to "true". Tags arrive sorted, so the
// key order is stable.
func tagsToLabels(tags []string) ([]string, prom.Labels) {
	keys := make([]string, 0, len(tags))
	labels := make(prom.Labels, len(tags))
	for _, tag := range tags {
		k, v, found := strings.Cut(tag, ":")
		if !found {
			v = "true"
		}
		keys = append(keys, k)
		labels[k] = v
	}
	return keys, labels
}
