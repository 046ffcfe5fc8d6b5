// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/toeirei/runmaster/internal/config"
)

// initCmd writes a commented default configuration plus a sample hosts
// inventory, so a fresh install has something concrete to edit. It is the
// one command that runs without any services wired.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration and sample hosts inventory",
	Long: `Writes a commented runmaster.yaml with the default configuration and a
sample hosts.yaml inventory into --dir (default: the current directory).
Existing files are kept unless --force is given.

The generated files are written mode 0600: the config can carry database
credentials and the inventory can carry bootstrap passwords.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		dir, _ := cmd.Flags().GetString("dir")

		cfgPath := filepath.Join(dir, "runmaster.yaml")
		hostsPath := filepath.Join(dir, "hosts.yaml")

		if _, err := os.Stat(cfgPath); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		}

		cfg := config.DefaultConfig()
		cfg.HostsFile = hostsPath
		if err := config.WriteConfigTo(&cfg, cfgPath); err != nil {
			return fmt.Errorf("could not write %s: %w", cfgPath, err)
		}
		fmt.Printf("Wrote %s\n", cfgPath)

		if _, err := os.Stat(hostsPath); err == nil && !force {
			fmt.Printf("Keeping existing %s\n", hostsPath)
		} else {
			if err := os.WriteFile(hostsPath, []byte(sampleHosts), 0o600); err != nil {
				return fmt.Errorf("could not write %s: %w", hostsPath, err)
			}
			fmt.Printf("Wrote %s\n", hostsPath)
		}

		fmt.Println("\nEdit the inventory, export the key passphrase (RUNMASTER_KEK by default),")
		fmt.Println("then pin your first host with 'runmaster trust-host <host-id>'.")
		return nil
	},
}

func init() {
	initCmd.Flags().String("dir", ".", "Directory to write the configuration into")
	initCmd.Flags().Bool("force", false, "Overwrite existing files")
}

// sampleHosts is the generated starter inventory. Parsing is strict, so the
// commented entry doubles as the reference for every accepted field.
const sampleHosts = `# Runmaster hosts inventory.
# Only hosts listed here can be targeted by any operation; set
# enabled: false to fence a host off without deleting its entry.
hosts:
  - host_id: vm01
    address: 192.0.2.10
    port: 22
    username: thadmin
    enabled: true
  # - host_id: vm02
  #   address: 192.0.2.11
  #   port: 22
  #   username: thadmin
  #   enabled: true
  #   # Optional bootstrap credential, used only while the host has no
  #   # managed key yet. Remove it after the first rotate-key.
  #   password: changeme
`
