// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/toeirei/runmaster/internal/db"
	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
)

// maintainCmd represents the 'maintain' command: a long-running scheduler
// that rotates keys past their age budget, exports the audit trail, and
// runs database maintenance on cron schedules until SIGINT/SIGTERM.
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run scheduled key rotation, audit export and database maintenance",
	Long: `Runs Runmaster as a maintenance daemon. Three jobs run on cron
schedules:

  - key rotation for every enabled host whose key is older than the
    configured rotation_interval
  - a dated audit export (zstd JSONL) into --export-dir
  - database maintenance (vacuum, integrity check) on the audit store

The key passphrase is resolved once at startup, so the daemon never blocks
on a prompt mid-schedule. Overlapping runs of the same job are skipped.
Shutdown waits for running jobs to finish.

Example:
  RUNMASTER_KEK=... runmaster maintain --export-dir /var/lib/runmaster/exports`,
	Args:    cobra.NoArgs,
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		rotateSpec, _ := cmd.Flags().GetString("rotate-schedule")
		exportSpec, _ := cmd.Flags().GetString("export-schedule")
		dbSpec, _ := cmd.Flags().GetString("db-schedule")
		exportDir, _ := cmd.Flags().GetString("export-dir")
		exportWindow, _ := cmd.Flags().GetDuration("export-window")
		runNow, _ := cmd.Flags().GetBool("now")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Resolve the key passphrase up front; a scheduled rotation must
		// not hit an interactive prompt at three in the morning.
		kek, err := app.kek.Get()
		if err != nil {
			return fmt.Errorf("scheduled rotation needs the key passphrase: %w", err)
		}
		kek.Zero()

		if err := os.MkdirAll(exportDir, 0o755); err != nil {
			return fmt.Errorf("could not create export directory: %w", err)
		}

		logger := cronLogger{logging.L().Sugar()}
		c := cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		)

		if _, err := c.AddFunc(rotateSpec, func() { rotateDueKeys(ctx) }); err != nil {
			return fmt.Errorf("bad rotate schedule %q: %w", rotateSpec, err)
		}
		if _, err := c.AddFunc(exportSpec, func() { exportAuditSnapshot(exportDir, exportWindow) }); err != nil {
			return fmt.Errorf("bad export schedule %q: %w", exportSpec, err)
		}
		if _, err := c.AddFunc(dbSpec, func() { runStoreMaintenance() }); err != nil {
			return fmt.Errorf("bad db schedule %q: %w", dbSpec, err)
		}

		if runNow {
			rotateDueKeys(ctx)
			exportAuditSnapshot(exportDir, exportWindow)
		}

		c.Start()
		fmt.Printf("Maintenance scheduler running (rotation %q, export %q, db %q). Ctrl-C to stop.\n",
			rotateSpec, exportSpec, dbSpec)

		<-ctx.Done()
		fmt.Println("\nShutting down, waiting for running jobs...")
		<-c.Stop().Done()
		return nil
	},
}

func init() {
	maintainCmd.Flags().String("rotate-schedule", "0 3 * * *", "Cron schedule for the key rotation sweep")
	maintainCmd.Flags().String("export-schedule", "30 3 * * *", "Cron schedule for the audit export")
	maintainCmd.Flags().String("db-schedule", "0 4 * * 0", "Cron schedule for database maintenance")
	maintainCmd.Flags().String("export-dir", ".", "Directory for dated audit exports")
	maintainCmd.Flags().Duration("export-window", 25*time.Hour, "How far back each audit export reaches (0 for everything)")
	maintainCmd.Flags().Bool("now", false, "Run the rotation sweep and audit export once at startup")
}

// rotateDueKeys rotates every enabled host whose key is older than the
// configured rotation interval. Hosts without a managed key are skipped;
// first provisioning is an operator decision, not a scheduled one.
func rotateDueKeys(ctx context.Context) {
	interval := app.cfg.Policy.RotationInterval
	if interval <= 0 {
		return
	}
	cutoff := time.Now().Add(-interval)

	var due []model.HostEntry
	for _, host := range app.inv.Enabled() {
		md, err := app.keys.Metadata(host.ID)
		if err != nil {
			continue
		}
		if md.CreatedAt.Before(cutoff) {
			due = append(due, host)
		}
	}
	if len(due) == 0 {
		logging.Debugf("maintain: no keys past the %s rotation interval", interval)
		return
	}

	logging.Infof("maintain: rotating %d key(s) past the %s interval", len(due), interval)
	for _, host := range due {
		if ctx.Err() != nil {
			return
		}
		if md, err := app.exec.RotateKey(ctx, host.ID); err != nil {
			logging.Errorf("maintain: key rotation for %s failed: %v", host.ID, err)
		} else {
			logging.Infof("maintain: rotated key for %s (%s)", host.ID, md.Fingerprint)
		}
	}
}

// exportAuditSnapshot writes a dated export into dir. The window overlaps
// the schedule on purpose; records are append-only, so duplicate lines
// across snapshots are harmless and gaps are not.
func exportAuditSnapshot(dir string, window time.Duration) {
	since := time.Time{}
	if window > 0 {
		since = time.Now().Add(-window)
	}
	path := filepath.Join(dir, defaultExportName(time.Now()))
	n, err := exportAuditFile(app.store, path, since)
	if err != nil {
		logging.Errorf("maintain: audit export failed: %v", err)
		return
	}
	logging.Infof("maintain: exported %d audit record(s) to %s", n, path)
}

// runStoreMaintenance vacuums and checks the audit store. It opens its own
// connection, so a wedged maintenance run cannot poison the live pool.
func runStoreMaintenance() {
	if err := db.RunDBMaintenance(app.cfg.Database.Type, app.cfg.Database.DSN); err != nil {
		logging.Errorf("maintain: database maintenance failed: %v", err)
		return
	}
	logging.Infof("maintain: database maintenance complete")
}

// cronLogger adapts the process logger to the cron scheduler's interface.
// Scheduler internals log at debug; job outcomes are logged by the jobs.
type cronLogger struct{ s *zap.SugaredLogger }

func (l cronLogger) Info(msg string, kv ...any) { l.s.Debugw("cron: "+msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.s.Errorw("cron: "+msg, append(kv, "error", err)...)
}
