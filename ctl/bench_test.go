// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/test"
)

func TestBenchCommand_Validates(t *testing.T) {
	var out bytes.Buffer
	cmd := NewBenchCommand(strings.NewReader(""), &out, &out)
	cmd.RollbackFraction = 1.5
	if err := cmd.Run(context.Background()); err == nil {
		t.Fatal("expected an error for an out of range rollback fraction")
	}
	cmd.RollbackFraction = 0.5
	cmd.Workers = 0
	if err := cmd.Run(context.Background()); err == nil {
		t.Fatal("expected an error for zero workers")
	}
}

func TestBenchCommand_Run(t *testing.T) {
	var out bytes.Buffer
	cmd := NewBenchCommand(strings.NewReader(""), &out, &out)
	cmd.Workers = 3
	cmd.Iterations = 40
	cmd.MaxDepth = 3
	cmd.RollbackFraction = 0.5
	cmd.Seed = 1
	cmd.open = func(ctx context.Context, worker int) (dbtx.Connection, error) {
		return test.NewDriver(), nil
	}
	if err := cmd.Run(context.Background()); err != nil {
		t.Fatalf("running bench: %v", err)
	}

	total := atomic.LoadInt64(&cmd.commits) + atomic.LoadInt64(&cmd.rollbacks)
	if want := int64(cmd.Workers * cmd.Iterations); total != want {
		t.Fatalf("accounted for %d outermost blocks, want %d", total, want)
	}
	// With a 0.5 rollback fraction both outcomes must occur.
	if cmd.commits == 0 || cmd.rollbacks == 0 {
		t.Fatalf("expected both commits and rollbacks, got %d/%d", cmd.commits, cmd.rollbacks)
	}
	if !strings.Contains(out.String(), "blocks/sec") {
		t.Fatalf("expected a summary line, got:\n%s", out.String())
	}
}

func TestBenchCommand_Deterministic(t *testing.T) {
	run := func() (int64, int64) {
		var out bytes.Buffer
		cmd := NewBenchCommand(strings.NewReader(""), &out, &out)
		cmd.Workers = 2
		cmd.Iterations = 25
		cmd.RollbackFraction = 0.3
		cmd.Seed = 42
		cmd.open = func(ctx context.Context, worker int) (dbtx.Connection, error) {
			return test.NewDriver(), nil
		}
		if err := cmd.Run(context.Background()); err != nil {
			t.Fatalf("running bench: %v", err)
		}
		return cmd.commits, cmd.rollbacks
	}
	c1, r1 := run()
	c2, r2 := run()
	if c1 != c2 || r1 != r2 {
		t.Fatalf("same seed gave different outcomes: %d/%d vs %d/%d", c1, r1, c2, r2)
	}
}

func TestBenchCommand_MetricsDump(t *testing.T) {
	var out bytes.Buffer
	path := filepath.Join(t.TempDir(), "metrics.json")
	cmd := NewBenchCommand(strings.NewReader(""), &out, &out)
	cmd.Workers = 1
	cmd.Iterations = 5
	cmd.MetricsJSONPath = path
	cmd.open = func(ctx context.Context, worker int) (dbtx.Connection, error) {
		return test.NewDriver(), nil
	}
	if err := cmd.Run(context.Background()); err != nil {
		t.Fatalf("running bench: %v", err)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading metrics dump: %v", err)
	}
	if len(buf) == 0 || buf[0] != '[' {
		t.Fatalf("expected a JSON array dump, got: %.60s", buf)
	}
}
