// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
/*
This is the entrypoint for the dbtx-probe binary, a minimal single-target
probe suitable for health checks and cron jobs.
*/
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/jaffee/commandeer/pflag"

	"github.com/featurebasedb/dbtx/ctl"
	"github.com/featurebasedb/dbtx/logger"
)

func main() {
	m := ctl.NewProbeCommand()
	if err := pflag.LoadEnv(m, "DBTXPROBE_", nil); err != nil {
		log.Fatal(err)
	}
	if m.DryRun {
		fmt.Printf("%+v\n", m)
		return
	}

	if err := m.Run(); err != nil {
		log := m.Log()
		if log == nil {
			// if we fail before a logger was instantiated
			logger.NewStandardLogger(os.Stderr).Errorf("Error running command: %v", err)
			os.Exit(1)
		}
		log.Errorf("Error running command: %v", err)
		os.Exit(1)
	}
}
