// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/toeirei/runmaster/internal/model"
)

// rotateKeyCmd represents the 'rotate-key' command. Rotation is staged:
// the new key is deployed alongside the old one, verified with a fresh
// connection, and only then does the old key get retired. A verification
// failure leaves the old credential fully in place.
var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key [host-id...]",
	Short: "Rotate the managed identity key for hosts",
	Long: `Generates a new ed25519 key pair per host and swaps it in with a staged
handover: deploy the new public key next to the old one, verify that a
fresh connection authenticates with the new key, then retire the old one
from the host and the local keystore. If verification fails the staged key
is removed and the old credential keeps working.

A host with no managed key yet is provisioned instead of rotated; the
inventory password (or an accessible authorized_keys entry) must allow the
initial connection in that case.

Name hosts explicitly, or pass --all to rotate every enabled host.`,
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			return fmt.Errorf("name at least one host or pass --all")
		}
		if all && len(args) > 0 {
			return fmt.Errorf("--all does not take explicit hosts")
		}

		hosts, err := targetHosts(args)
		if err != nil {
			return err
		}

		var mu sync.Mutex
		rotated := make(map[string]model.KeyMetadata, len(hosts))

		task := parallelTask{
			name:       "key rotation",
			successMsg: "✅ Rotated key for %s",
			failMsg:    "💥 Key rotation failed for %s: %v",
			taskFunc: func(host model.HostEntry) error {
				md, err := app.exec.RotateKey(cmd.Context(), host.ID)
				if err != nil {
					return err
				}
				mu.Lock()
				rotated[host.ID] = md
				mu.Unlock()
				return nil
			},
		}
		failed := runParallelTasks(hosts, task)

		for _, host := range hosts {
			if md, ok := rotated[host.ID]; ok {
				fmt.Printf("  %s\n", md)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d rotation(s) failed", failed, len(hosts))
		}
		return nil
	},
}

func init() {
	rotateKeyCmd.Flags().Bool("all", false, "Rotate every enabled host in the inventory")
}
