// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package prometheus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/featurebasedb/dbtx"
	uut "github.com/featurebasedb/dbtx/prometheus"
	"github.com/featurebasedb/dbtx/test"
	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestPrometheusClient_Methods(t *testing.T) {
	client, err := uut.NewPrometheusClient()
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx := context.Background()
	reg := test.MustNewRegistry(t, dbtx.OptRegistryStatsClient(client))
	d := test.NewDriver()
	test.MustRegister(t, reg, "", d)

	// A clean nested block emits begin, savepoint, release, commit and the
	// commit timing. A failed block emits the rollback counter.
	err = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return reg.Atomic("").Run(ctx, func(ctx context.Context) error {
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	errMarker := errors.New("marker")
	err = reg.Atomic("").Run(ctx, func(ctx context.Context) error {
		return errMarker
	})
	if err != errMarker {
		t.Fatalf("unexpected run error: %v", err)
	}

	metricFams, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, metricName := range []string{
		"dbtx_begin_total",
		"dbtx_block_depth",
		"dbtx_savepoint_total",
		"dbtx_savepoint_release_total",
		"dbtx_commit_total",
		"dbtx_commit_duration_seconds",
		"dbtx_rollback_total",
	} {
		if metricExists(metricName, metricFams) {
			continue
		}
		t.Fatalf("metric does not exist: %s", metricName)
	}
}

func metricExists(metricName string, metricFams []*io_prometheus_client.MetricFamily) bool {
	for _, metricFam := range metricFams {
		if metricFam.GetName() == metricName {
			return true
		}
	}
	return false
}
