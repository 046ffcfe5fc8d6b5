// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package executor

import (
	"errors"
	"fmt"

	"github.com/toeirei/runmaster/internal/keystore"
	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/transport"
)

// ErrUnknownHost is returned for host ids outside the inventory allow-list.
// The check happens before any network activity.
var ErrUnknownHost = errors.New("host not in inventory")

// ErrHostDisabled is returned for inventory hosts with enabled: false.
var ErrHostDisabled = errors.New("host is disabled")

// RemoteExecutionError wraps infrastructure failures that have no sharper
// classification of their own.
type RemoteExecutionError struct {
	HostID string
	Op     string
	Err    error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("remote %s failed on %s: %v", e.Op, e.HostID, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error { return e.Err }

// errorKind maps an error to the audit vocabulary. The order matters:
// sentinel checks first, then typed transport errors, then the catch-all.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownHost):
		return model.ErrKindUnknownHost
	case errors.Is(err, ErrHostDisabled):
		return model.ErrKindHostDisabled
	case errors.Is(err, keystore.ErrKeyNotFound):
		return model.ErrKindKeyNotFound
	}

	var hostKeyErr *transport.HostKeyError
	if errors.As(err, &hostKeyErr) {
		return model.ErrKindHostKey
	}
	var authErr *transport.AuthenticationError
	if errors.As(err, &authErr) {
		return model.ErrKindAuth
	}
	var timeoutErr *transport.CommandTimeoutError
	if errors.As(err, &timeoutErr) {
		return model.ErrKindTimeout
	}
	var checksumErr *transport.ChecksumError
	if errors.As(err, &checksumErr) {
		return model.ErrKindChecksum
	}
	var connErr *transport.ConnectionError
	if errors.As(err, &connErr) {
		return model.ErrKindConnection
	}
	return model.ErrKindExecution
}

// isRetryable reports whether a failure is worth another attempt. Only
// transport-level connection failures qualify: security verdicts, command
// timeouts, and remote exit codes must surface as-is.
func isRetryable(err error) bool {
	var connErr *transport.ConnectionError
	return errors.As(err, &connErr)
}

// isRetryableTransfer additionally retries checksum mismatches, which for
// file transfers mean "try the whole transfer again".
func isRetryableTransfer(err error) bool {
	if isRetryable(err) {
		return true
	}
	var checksumErr *transport.ChecksumError
	return errors.As(err, &checksumErr)
}
