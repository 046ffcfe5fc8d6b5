// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/runmaster/internal/executor"
	"github.com/toeirei/runmaster/internal/model"
)

// healthcheckCmd sweeps hosts with a cheap echo probe, in parallel, and
// reports per-host reachability. Every probe runs through the full
// execution path, so it exercises the pinned host key and the stored
// credential, not just the TCP connect.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck [host-id...]",
	Short: "Probe managed hosts and report reachability",
	Long: `Connects to each named host (or every enabled host when none are named)
and runs a one-shot echo probe. A healthy host answers with the expected
marker and exit code 0; anything else counts as a failure. Probes run with
a single attempt: a host that needs retries to answer is not healthy.

Probe results land in the audit trail like any other command.`,
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := targetHosts(args)
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		probe := parallelTask{
			name:       "healthcheck",
			successMsg: "✅ %s is healthy",
			failMsg:    "💥 %s: %v",
			taskFunc: func(host model.HostEntry) error {
				return probeHost(cmd.Context(), host.ID, timeout)
			},
		}
		if failed := runParallelTasks(hosts, probe); failed > 0 {
			return fmt.Errorf("%d host(s) failed the health probe", failed)
		}
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().Duration("timeout", 10*time.Second, "Per-host probe timeout")
}

// probeHost runs the echo probe against one host. One attempt, short
// timeout, output must round-trip the marker.
func probeHost(ctx context.Context, hostID string, timeout time.Duration) error {
	const marker = "runmaster-ok"
	res, err := app.exec.ExecuteCommand(ctx, hostID, "echo "+marker, executor.Opts{
		Timeout: timeout,
		Retries: 1,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("probe exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if !strings.Contains(res.Stdout, marker) {
		return fmt.Errorf("probe output garbled: %q", strings.TrimSpace(res.Stdout))
	}
	return nil
}
