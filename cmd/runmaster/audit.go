// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/toeirei/runmaster/internal/audit"
	"github.com/toeirei/runmaster/internal/db"
)

// auditCmd represents the 'audit' command. It lists the audit trail,
// newest first, with optional filters.
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List the audit trail",
	Long: `Lists audit records, newest first. Every operation Runmaster performs is
in here: commands, transfers, rotations, trust decisions, including failed
attempts. Records are append-only; there is no way to edit or delete them
from the CLI or anywhere else.

Examples:
  runmaster audit --host vm01 --limit 20
  runmaster audit --op rotate_key --since 720h`,
	Args:    cobra.NoArgs,
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, _ := cmd.Flags().GetString("host")
		opType, _ := cmd.Flags().GetString("op")
		limit, _ := cmd.Flags().GetInt("limit")
		sinceStr, _ := cmd.Flags().GetString("since")

		since, err := parseSince(sinceStr)
		if err != nil {
			return err
		}

		records, err := app.store.ListAuditRecords(db.AuditFilter{
			HostID: hostID,
			OpType: opType,
			Since:  since,
			Limit:  limit,
		})
		if err != nil {
			return fmt.Errorf("could not list audit records: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No audit records match.")
			return nil
		}
		for _, rec := range records {
			fmt.Println(rec.String())
		}
		return nil
	},
}

// auditExportCmd streams records as zstd-compressed JSONL for log shippers
// and offline retention.
var auditExportCmd = &cobra.Command{
	Use:   "export [output-file]",
	Short: "Export audit records as zstd-compressed JSONL",
	Long: `Exports audit records, oldest first, as Zstandard-compressed JSON lines.
If no output file is given, a dated default like
'runmaster-audit-2026-08-25.jsonl.zst' is used; '.zst' is appended to
explicit names that lack it.

Examples:
  runmaster audit export
  runmaster audit export --since 168h weekly.jsonl`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceStr, _ := cmd.Flags().GetString("since")
		since, err := parseSince(sinceStr)
		if err != nil {
			return err
		}

		outputFile := defaultExportName(time.Now())
		if len(args) > 0 {
			outputFile = args[0]
			if !strings.HasSuffix(outputFile, ".zst") {
				outputFile += ".zst"
			}
		}

		n, err := exportAuditFile(app.store, outputFile, since)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d audit record(s) to %s\n", n, outputFile)
		return nil
	},
}

func init() {
	auditCmd.Flags().String("host", "", "Only records for this host")
	auditCmd.Flags().String("op", "", "Only records of this operation type (execute_command, upload_file, rotate_key, ...)")
	auditCmd.Flags().Int("limit", 50, "Maximum records to list (0 for all)")
	auditCmd.Flags().String("since", "", "Only records newer than this (duration like 72h, or a date)")

	auditExportCmd.Flags().String("since", "", "Only records newer than this (duration like 72h, or a date)")
	auditCmd.AddCommand(auditExportCmd)
}

// parseSince accepts a relative duration ("24h", "30m") or an absolute
// date ("2026-08-01", RFC 3339). The zero time means no lower bound.
func parseSince(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("could not parse --since %q (want a duration like 72h or a date like 2026-01-31)", s)
}

// defaultExportName returns the dated default export filename.
func defaultExportName(now time.Time) string {
	return fmt.Sprintf("runmaster-audit-%s.jsonl.zst", now.Format("2006-01-02"))
}

// exportAuditFile writes an export to path and returns the record count.
func exportAuditFile(store db.Store, path string, since time.Time) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("could not create export file: %w", err)
	}
	n, err := audit.Export(f, store, since)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("audit export failed: %w", err)
	}
	return n, nil
}
