// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package model defines the value objects shared across Runmaster: inventory
// entries, operation results, stored-key metadata and audit records. These are
// plain structs; behavior lives in the packages that operate on them.
package model

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/toeirei/runmaster/internal/security"
)

// Host IDs end up in file names (key containers, lock files), so the
// character set is deliberately narrow.
var hostIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidHostID reports whether id is a well-formed host identifier.
func ValidHostID(id string) bool {
	return len(id) <= 128 && hostIDPattern.MatchString(id)
}

// HostEntry is a single entry from the hosts inventory. Entries are loaded
// from configuration at startup and are immutable at runtime; an operation is
// only permitted against a host that appears here with Enabled set.
type HostEntry struct {
	ID       string
	Address  string
	Port     int
	Username string
	// Password is an optional fallback credential. It is only consulted when
	// the host has no stored identity key, and never logged or audited.
	Password security.Secret
	Enabled  bool
}

// Addr returns the dialable "host:port" form of the entry.
func (h HostEntry) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// String returns the host_id with its user@host:port target.
func (h HostEntry) String() string {
	return fmt.Sprintf("%s (%s@%s)", h.ID, h.Username, h.Addr())
}

// OperationResult is the outcome of a completed remote command. A non-zero
// exit code is data here, not an error; infrastructure failures never produce
// a result.
type OperationResult struct {
	HostID    string
	Command   string
	Stdout    string
	Stderr    string
	ExitCode  int
	StartedAt time.Time
	Duration  time.Duration
}

// Success reports whether the remote command exited zero.
func (r OperationResult) Success() bool { return r.ExitCode == 0 }

// String returns a one-line summary suitable for CLI output.
func (r OperationResult) String() string {
	return fmt.Sprintf("%s: exit %d in %s", r.HostID, r.ExitCode, r.Duration.Round(time.Millisecond))
}

// KeyMetadata describes a stored host identity key without exposing any key
// material. It is derivable from the public half alone.
type KeyMetadata struct {
	HostID      string
	Type        string // always "ed25519"
	Fingerprint string // SHA256:... form
	CreatedAt   time.Time
}

// String returns the host_id with fingerprint and age.
func (m KeyMetadata) String() string {
	return fmt.Sprintf("%s %s %s", m.HostID, m.Type, m.Fingerprint)
}

// KnownHostKey is a pinned host identity, established once via trust-host
// and matched exactly on every subsequent connection.
type KnownHostKey struct {
	HostID        string    `json:"host_id"`
	Algorithm     string    `json:"algorithm"`
	AuthorizedKey string    `json:"authorized_key"` // single-line authorized_keys format
	AddedAt       time.Time `json:"added_at"`
}

// String returns the host_id with the pinned key algorithm.
func (k KnownHostKey) String() string {
	return fmt.Sprintf("%s %s (pinned %s)", k.HostID, k.Algorithm, k.AddedAt.Format("2006-01-02"))
}

// Operation types recorded in the audit trail.
const (
	OpExecuteCommand = "execute_command"
	OpExecuteScript  = "execute_script"
	OpUploadFile     = "upload_file"
	OpDownloadFile   = "download_file"
	OpRotateKey      = "rotate_key"
	OpTrustHost      = "trust_host"
)

// Audit record statuses. A logical operation ends in exactly one terminal
// record (success or failure); transfer retries additionally record each
// failed attempt as attempt_failed.
const (
	StatusSuccess       = "success"
	StatusFailure       = "failure"
	StatusAttemptFailed = "attempt_failed"
)

// Error kinds stored alongside failed audit records. These mirror the error
// taxonomy surfaced to callers; the empty string means no error.
const (
	ErrKindUnknownHost  = "unknown_host"
	ErrKindHostDisabled = "host_disabled"
	ErrKindKeyNotFound  = "key_not_found"
	ErrKindHostKey      = "host_key"
	ErrKindAuth         = "authentication"
	ErrKindConnection   = "connection"
	ErrKindTimeout      = "command_timeout"
	ErrKindChecksum     = "checksum_mismatch"
	ErrKindExecution    = "remote_execution"
)

// AuditRecord is one append-only entry in the audit trail. Records are never
// mutated or deleted after insert, and must never contain secret material:
// CommandOrPath carries the command line or file path, never credentials.
type AuditRecord struct {
	ID            int64     `json:"id"`
	OperationID   string    `json:"operation_id"` // uuid, shared by all records of one logical operation
	UserID        string    `json:"user_id"`
	HostID        string    `json:"host_id"`
	OpType        string    `json:"op_type"`
	CommandOrPath string    `json:"command_or_path"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	Status        string    `json:"status"`
	ErrorKind     string    `json:"error_kind,omitempty"` // empty on success
	Attempts      int       `json:"attempts"`
}

// String returns a compact single-line rendering for CLI listings.
func (r AuditRecord) String() string {
	s := fmt.Sprintf("%s %s %s %s [%s]", r.StartedAt.Format(time.RFC3339), r.HostID, r.OpType, r.CommandOrPath, r.Status)
	if r.ErrorKind != "" {
		s += " " + r.ErrorKind
	}
	if r.Attempts > 1 {
		s += fmt.Sprintf(" (attempts: %d)", r.Attempts)
	}
	return s
}
