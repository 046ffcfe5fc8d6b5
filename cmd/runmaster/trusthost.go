// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

// trustHostCmd represents the 'trust-host' command. It fetches a host's
// public key, displays its fingerprint, and pins it after confirmation.
// This is the required first step before Runmaster will connect to a host;
// all later connections must present exactly the pinned key.
var trustHostCmd = &cobra.Command{
	Use:   "trust-host <host-id>",
	Short: "Fetch and pin a host's public key",
	Long: `Connects to the host far enough to capture its public key, shows the
SHA-256 fingerprint, and pins the key after confirmation. Every later
connection requires exactly this key and fails closed on any change.

Verify the fingerprint out of band before answering; this prompt is the
one moment Runmaster cannot protect against an active man-in-the-middle.
Re-running trust-host replaces the pin, which is how a legitimate host
key change is accepted.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID := args[0]
		host, ok := app.inv.Lookup(hostID)
		if !ok {
			return fmt.Errorf("%s is not in the hosts inventory", hostID)
		}

		fmt.Printf("Retrieving public key from %s...\n", host.Addr())
		key, err := app.exec.FetchHostKey(cmd.Context(), hostID)
		if err != nil {
			return fmt.Errorf("could not fetch host key: %w", err)
		}

		fingerprint := ssh.FingerprintSHA256(key)
		fmt.Printf("\nThe authenticity of host '%s' (%s) can't be established.\n", hostID, host.Addr())
		fmt.Printf("%s key fingerprint is %s.\n", key.Type(), fingerprint)

		if answer := promptForConfirmation("Are you sure you want to trust this key? (yes/no): "); answer != "yes" {
			return fmt.Errorf("host key not trusted, aborting")
		}

		if err := app.exec.TrustHost(hostID, key); err != nil {
			return err
		}
		fmt.Printf("Pinned %s key for %s.\n", key.Type(), hostID)
		return nil
	},
}
