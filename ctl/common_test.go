// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/ctl"
)

func TestSetupLoggerToStderr(t *testing.T) {
	conf := dbtx.NewConfig()
	var buf bytes.Buffer

	log, err := ctl.SetupLogger(conf, &buf)
	if err != nil {
		t.Fatalf("setting up logger: %v", err)
	}
	log.Printf("stderr bound")
	log.Debugf("quiet by default")
	out := buf.String()
	if !strings.Contains(out, "stderr bound") {
		t.Fatalf("expected log output in stderr buffer, got: %q", out)
	}
	if strings.Contains(out, "quiet by default") {
		t.Fatalf("debug output without verbose, got: %q", out)
	}
}

func TestSetupLoggerToFile(t *testing.T) {
	conf := dbtx.NewConfig()
	conf.LogPath = filepath.Join(t.TempDir(), "dbtx.log")
	conf.Verbose = true
	var buf bytes.Buffer

	log, err := ctl.SetupLogger(conf, &buf)
	if err != nil {
		t.Fatalf("setting up logger: %v", err)
	}
	log.Debugf("into the file")

	content, err := os.ReadFile(conf.LogPath)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(content), "into the file") {
		t.Fatalf("expected log output in %s, got: %q", conf.LogPath, content)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected nothing on stderr, got: %q", buf.String())
	}
}
