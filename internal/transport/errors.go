// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"fmt"
	"time"
)

// HostKeyError means the remote presented a key we refuse to trust. With
// Mismatch set the pinned key and the presented key differ, which is how a
// man-in-the-middle looks from here; without it the host is simply not
// pinned yet.
type HostKeyError struct {
	HostID      string
	Fingerprint string
	Mismatch    bool
}

func (e *HostKeyError) Error() string {
	if e.Mismatch {
		return fmt.Sprintf("host key mismatch for %s (presented %s): possible man-in-the-middle attack, refusing to connect", e.HostID, e.Fingerprint)
	}
	return fmt.Sprintf("unknown host key for %s (presented %s): run 'trust-host %s' to pin it", e.HostID, e.Fingerprint, e.HostID)
}

// AuthenticationError means the host rejected every credential we offered.
// There is no downgrade path; the caller gets this error and the connection
// is discarded.
type AuthenticationError struct {
	HostID string
	User   string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.HostID, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s@%s", e.User, e.HostID)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError covers transport-level failures: dial, handshake,
// session setup, or a connection dying mid-operation. These are the only
// errors worth retrying.
type ConnectionError struct {
	HostID string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error for %s (%s): %v", e.HostID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandTimeoutError means the remote command exceeded its deadline and
// was killed. The underlying connection survives; only the session died.
type CommandTimeoutError struct {
	HostID  string
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command on %s exceeded timeout %s and was killed: %q", e.HostID, e.Timeout, e.Command)
}

// ChecksumError means transferred bytes did not verify. The transfer is
// already rolled back when this error surfaces; no partial file remains at
// the destination path.
type ChecksumError struct {
	HostID   string
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s on %s: expected sha256:%s, got sha256:%s", e.Path, e.HostID, e.Expected, e.Actual)
}
