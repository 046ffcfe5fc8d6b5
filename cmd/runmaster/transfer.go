// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toeirei/runmaster/internal/executor"
)

// uploadCmd pushes a local file to a managed host. The executor verifies
// the SHA-256 checksum after the write and retries the whole transfer on a
// mismatch, so a success here means the remote bytes match the local ones.
var uploadCmd = &cobra.Command{
	Use:   "upload <host-id> <local-path> <remote-path>",
	Short: "Upload a file to a managed host",
	Long: `Uploads a local file over SFTP and verifies the remote SHA-256 checksum
before reporting success. A mismatch retries the whole transfer under the
configured policy; every failed attempt is audited.

Example:
  runmaster upload vm01 ./app.conf /etc/app/app.conf`,
	Args:    cobra.ExactArgs(3),
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, localPath, remotePath := args[0], args[1], args[2]
		timeout, _ := cmd.Flags().GetDuration("timeout")
		retries, _ := cmd.Flags().GetInt("retries")

		if err := app.exec.UploadFile(cmd.Context(), hostID, localPath, remotePath, executor.Opts{
			Timeout: timeout,
			Retries: retries,
		}); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s to %s:%s (checksum verified)\n", localPath, hostID, remotePath)
		return nil
	},
}

// downloadCmd fetches a remote file with the same verification rules.
var downloadCmd = &cobra.Command{
	Use:   "download <host-id> <remote-path> <local-path>",
	Short: "Download a file from a managed host",
	Long: `Downloads a remote file over SFTP and verifies the local copy against the
remote SHA-256 checksum before reporting success.

Example:
  runmaster download vm01 /var/log/app.log ./app.log`,
	Args:    cobra.ExactArgs(3),
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, remotePath, localPath := args[0], args[1], args[2]
		timeout, _ := cmd.Flags().GetDuration("timeout")
		retries, _ := cmd.Flags().GetInt("retries")

		if err := app.exec.DownloadFile(cmd.Context(), hostID, remotePath, localPath, executor.Opts{
			Timeout: timeout,
			Retries: retries,
		}); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s:%s to %s (checksum verified)\n", hostID, remotePath, localPath)
		return nil
	},
}

func init() {
	uploadCmd.Flags().Duration("timeout", 0, "Transfer timeout (0 uses the policy default)")
	uploadCmd.Flags().Int("retries", 0, "Retry budget for failures and checksum mismatches (0 uses the policy default)")

	downloadCmd.Flags().Duration("timeout", 0, "Transfer timeout (0 uses the policy default)")
	downloadCmd.Flags().Int("retries", 0, "Retry budget for failures and checksum mismatches (0 uses the policy default)")
}
