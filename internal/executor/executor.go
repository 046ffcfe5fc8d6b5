// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package executor is the operation layer: it owns the inventory allow-list
// check, the connection pool, retry around flaky transports, and the audit
// trail. Commands, scripts, transfers, and key rotations all funnel through
// one Executor so every operation is checked, serialized per host, and
// audited the same way.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/audit"
	"github.com/toeirei/runmaster/internal/config"
	"github.com/toeirei/runmaster/internal/connpool"
	"github.com/toeirei/runmaster/internal/keystore"
	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/transport"
)

// Conn is what the executor needs from a live connection. Satisfied by
// *transport.Connection; tests substitute fakes through Config.Dial.
type Conn interface {
	connpool.Conn
	Run(ctx context.Context, command string, timeout time.Duration) (*model.OperationResult, error)
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
	ReadAuthorizedKeys(ctx context.Context) ([]byte, error)
	DeployAuthorizedKeys(ctx context.Context, content string) error
}

// HostKeyStore is the pinned host key surface the executor works with.
// Satisfied by the db store.
type HostKeyStore interface {
	transport.KnownHostKeys
	PinKnownHostKey(hostID, algorithm, authorizedKey string) error
}

// Config wires an Executor. Inventory, Keys, HostKeys, and Audit are
// required; the rest has workable defaults.
type Config struct {
	Inventory *config.Inventory
	Keys      *keystore.Manager
	HostKeys  HostKeyStore
	Audit     *audit.Recorder

	Policy         RetryPolicy
	DefaultTimeout time.Duration
	ConnectTimeout time.Duration
	IdleTTL        time.Duration

	// InsecureAcceptNew pins unknown host keys on first contact instead of
	// failing. Lab bootstrap only; every acceptance is audited.
	InsecureAcceptNew bool

	// UserID goes into audit records. Defaults to the OS user name.
	UserID string

	// Dial overrides connection establishment, for tests.
	Dial connpool.DialFunc[Conn]

	// VerifyDial overrides the rotation verification dial, for tests.
	VerifyDial func(ctx context.Context, host model.HostEntry, signer ssh.Signer) error
}

// Executor runs operations against managed hosts.
type Executor struct {
	inv      *config.Inventory
	keys     *keystore.Manager
	hostKeys HostKeyStore
	audit    *audit.Recorder
	pool     *connpool.Pool[Conn]

	policy            RetryPolicy
	defaultTimeout    time.Duration
	connectTimeout    time.Duration
	insecureAcceptNew bool
	userID            string
	verifyDial        func(ctx context.Context, host model.HostEntry, signer ssh.Signer) error
}

// New builds an Executor with its own connection pool. Close releases the
// pool; the audit recorder and db store stay owned by the caller.
func New(cfg Config) *Executor {
	userID := cfg.UserID
	if userID == "" {
		if u, err := user.Current(); err == nil {
			userID = u.Username
		} else {
			userID = "unknown"
		}
	}
	defaultTimeout := cfg.DefaultTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	e := &Executor{
		inv:               cfg.Inventory,
		keys:              cfg.Keys,
		hostKeys:          cfg.HostKeys,
		audit:             cfg.Audit,
		policy:            cfg.Policy.normalized(),
		defaultTimeout:    defaultTimeout,
		connectTimeout:    connectTimeout,
		insecureAcceptNew: cfg.InsecureAcceptNew,
		userID:            userID,
	}
	dial := cfg.Dial
	if dial == nil {
		dial = e.dialHost
	}
	e.pool = connpool.New(dial, cfg.IdleTTL)
	e.verifyDial = cfg.VerifyDial
	if e.verifyDial == nil {
		e.verifyDial = e.verifyNewKey
	}
	return e
}

// Close shuts down the connection pool.
func (e *Executor) Close() error {
	return e.pool.Close()
}

// Opts tunes a single operation. Zero values fall back to the executor
// defaults.
type Opts struct {
	// Timeout bounds the remote command.
	Timeout time.Duration
	// Retries overrides the policy's attempt budget for this operation.
	Retries int
	// Interpreter runs the script in ExecuteScript. Default sh.
	Interpreter string
	// UploadFirst makes ExecuteScript push LocalPath to the remote path
	// before running it.
	UploadFirst bool
	// LocalPath is the script source for UploadFirst.
	LocalPath string
}

func (o Opts) timeout(fallback time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return fallback
}

// ExecuteCommand runs one command on one host. A non-zero remote exit is
// returned as data in the result, never as an error. Connection-level
// failures are retried under the policy; exactly one audit record is
// written per call, carrying the attempt count.
func (e *Executor) ExecuteCommand(ctx context.Context, hostID, command string, opts Opts) (*model.OperationResult, error) {
	rec := e.newRecord(hostID, model.OpExecuteCommand, command)

	host, err := e.lookupHost(hostID)
	if err != nil {
		e.finish(&rec, 0, err)
		return nil, err
	}

	var result *model.OperationResult
	attempts, err := e.policy.withAttempts(opts.Retries).do(ctx, isRetryable, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			logging.Debugf("retrying command on %s (attempt %d)", host.ID, attempt)
		}
		res, runErr := e.withConn(ctx, host.ID, func(ctx context.Context, conn Conn) (*model.OperationResult, error) {
			return conn.Run(ctx, command, opts.timeout(e.defaultTimeout))
		})
		if runErr != nil {
			return runErr
		}
		result = res
		return nil
	})
	e.finish(&rec, attempts, err)
	if err != nil {
		return nil, e.wrap(hostID, "command", err)
	}
	return result, nil
}

// ExecuteScript runs a script that already lives on the host, or uploads
// it first when opts.UploadFirst is set. A failed upload aborts the whole
// operation; nothing is executed on a partial push.
func (e *Executor) ExecuteScript(ctx context.Context, hostID, remotePath string, opts Opts) (*model.OperationResult, error) {
	rec := e.newRecord(hostID, model.OpExecuteScript, remotePath)

	host, err := e.lookupHost(hostID)
	if err != nil {
		e.finish(&rec, 0, err)
		return nil, err
	}

	if opts.UploadFirst {
		if opts.LocalPath == "" {
			err := fmt.Errorf("upload requested but no local path given")
			e.finish(&rec, 0, err)
			return nil, err
		}
		attempts, err := e.transfer(ctx, &rec, host.ID, opts, func(ctx context.Context, conn Conn) error {
			return conn.Put(ctx, opts.LocalPath, remotePath)
		})
		if err != nil {
			e.finish(&rec, attempts, err)
			return nil, e.wrap(hostID, "script upload", err)
		}
	}

	interpreter := opts.Interpreter
	if interpreter == "" {
		interpreter = "sh"
	}
	command := interpreter + " " + remotePath

	var result *model.OperationResult
	attempts, err := e.policy.withAttempts(opts.Retries).do(ctx, isRetryable, func(ctx context.Context, attempt int) error {
		res, runErr := e.withConn(ctx, host.ID, func(ctx context.Context, conn Conn) (*model.OperationResult, error) {
			return conn.Run(ctx, command, opts.timeout(e.defaultTimeout))
		})
		if runErr != nil {
			return runErr
		}
		result = res
		return nil
	})
	e.finish(&rec, attempts, err)
	if err != nil {
		return nil, e.wrap(hostID, "script", err)
	}
	return result, nil
}

// UploadFile pushes a local file to the host with checksum verification.
// On mismatch the whole transfer is retried; each failed attempt is
// audited, then one terminal record closes the operation.
func (e *Executor) UploadFile(ctx context.Context, hostID, localPath, remotePath string, opts Opts) error {
	rec := e.newRecord(hostID, model.OpUploadFile, localPath+" -> "+remotePath)

	host, err := e.lookupHost(hostID)
	if err != nil {
		e.finish(&rec, 0, err)
		return err
	}
	attempts, err := e.transfer(ctx, &rec, host.ID, opts, func(ctx context.Context, conn Conn) error {
		return conn.Put(ctx, localPath, remotePath)
	})
	e.finish(&rec, attempts, err)
	if err != nil {
		return e.wrap(hostID, "upload", err)
	}
	return nil
}

// DownloadFile fetches a remote file with the same verification and retry
// rules as UploadFile.
func (e *Executor) DownloadFile(ctx context.Context, hostID, remotePath, localPath string, opts Opts) error {
	rec := e.newRecord(hostID, model.OpDownloadFile, remotePath+" -> "+localPath)

	host, err := e.lookupHost(hostID)
	if err != nil {
		e.finish(&rec, 0, err)
		return err
	}
	attempts, err := e.transfer(ctx, &rec, host.ID, opts, func(ctx context.Context, conn Conn) error {
		return conn.Get(ctx, remotePath, localPath)
	})
	e.finish(&rec, attempts, err)
	if err != nil {
		return e.wrap(hostID, "download", err)
	}
	return nil
}

// transfer runs one file operation under the transfer retry rules:
// connection failures and checksum mismatches are retried, every failed
// attempt writes an attempt record, and the caller writes the terminal one.
func (e *Executor) transfer(ctx context.Context, rec *model.AuditRecord, hostID string, opts Opts, op func(ctx context.Context, conn Conn) error) (int, error) {
	return e.policy.withAttempts(opts.Retries).do(ctx, isRetryableTransfer, func(ctx context.Context, attempt int) error {
		_, err := e.withConn(ctx, hostID, func(ctx context.Context, conn Conn) (*model.OperationResult, error) {
			return nil, op(ctx, conn)
		})
		if err != nil && isRetryableTransfer(err) {
			e.recordAttempt(*rec, attempt, err)
		}
		return err
	})
}

// withConn acquires the host, runs fn, and always releases.
func (e *Executor) withConn(ctx context.Context, hostID string, fn func(ctx context.Context, conn Conn) (*model.OperationResult, error)) (*model.OperationResult, error) {
	conn, err := e.pool.Acquire(ctx, hostID)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(conn)
	return fn(ctx, conn)
}

// lookupHost enforces the inventory allow-list. It runs before any
// network activity.
func (e *Executor) lookupHost(hostID string) (model.HostEntry, error) {
	host, ok := e.inv.Lookup(hostID)
	if !ok {
		return model.HostEntry{}, fmt.Errorf("%w: %s", ErrUnknownHost, hostID)
	}
	if !host.Enabled {
		return model.HostEntry{}, fmt.Errorf("%w: %s", ErrHostDisabled, hostID)
	}
	return host, nil
}

// dialHost is the production dialer: resolve credentials, connect with
// pinned host key verification. Password auth is only offered when no
// managed key exists and the inventory explicitly carries a password.
func (e *Executor) dialHost(ctx context.Context, hostID string) (Conn, error) {
	host, err := e.lookupHost(hostID)
	if err != nil {
		return nil, err
	}

	topts := transport.Options{
		HostKeys:          e.hostKeys,
		ConnectTimeout:    e.connectTimeout,
		InsecureAcceptNew: e.insecureAcceptNew,
	}
	if e.insecureAcceptNew {
		topts.OnAcceptNew = e.pinAcceptedKey
	}

	signer, err := e.keys.Signer(hostID)
	switch {
	case err == nil:
		topts.Signer = signer
		host.Password = nil
	case errors.Is(err, keystore.ErrKeyNotFound):
		if host.Password.IsZero() {
			return nil, err
		}
	default:
		return nil, err
	}

	return transport.Connect(ctx, host, topts)
}

// pinAcceptedKey stores and audits a host key accepted in accept-new mode.
func (e *Executor) pinAcceptedKey(hostID, algorithm, authorizedKey string) error {
	if err := e.hostKeys.PinKnownHostKey(hostID, algorithm, authorizedKey); err != nil {
		return fmt.Errorf("could not pin host key for %s: %w", hostID, err)
	}
	now := time.Now().UTC()
	e.audit.Record(model.AuditRecord{
		OperationID:   uuid.NewString(),
		UserID:        e.userID,
		HostID:        hostID,
		OpType:        model.OpTrustHost,
		CommandOrPath: "accept-new " + algorithm,
		StartedAt:     now,
		EndedAt:       now,
		Status:        model.StatusSuccess,
		Attempts:      1,
	})
	return nil
}

func (e *Executor) newRecord(hostID, opType, commandOrPath string) model.AuditRecord {
	return model.AuditRecord{
		OperationID:   uuid.NewString(),
		UserID:        e.userID,
		HostID:        hostID,
		OpType:        opType,
		CommandOrPath: commandOrPath,
		StartedAt:     time.Now().UTC(),
	}
}

// finish writes the terminal audit record for an operation.
func (e *Executor) finish(rec *model.AuditRecord, attempts int, err error) {
	rec.EndedAt = time.Now().UTC()
	rec.Attempts = attempts
	if err != nil {
		rec.Status = model.StatusFailure
		rec.ErrorKind = errorKind(err)
	} else {
		rec.Status = model.StatusSuccess
	}
	e.audit.Record(*rec)
}

// recordAttempt writes one attempt-failed record sharing the operation id.
func (e *Executor) recordAttempt(rec model.AuditRecord, attempt int, err error) {
	rec.EndedAt = time.Now().UTC()
	rec.Status = model.StatusAttemptFailed
	rec.ErrorKind = errorKind(err)
	rec.Attempts = attempt
	e.audit.Record(rec)
}

// wrap gives untyped infrastructure failures a home; taxonomy errors pass
// through untouched so callers can match on them.
func (e *Executor) wrap(hostID, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownHost) || errors.Is(err, ErrHostDisabled) ||
		errors.Is(err, keystore.ErrKeyNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var hostKeyErr *transport.HostKeyError
	var authErr *transport.AuthenticationError
	var connErr *transport.ConnectionError
	var timeoutErr *transport.CommandTimeoutError
	var checksumErr *transport.ChecksumError
	if errors.As(err, &hostKeyErr) || errors.As(err, &authErr) || errors.As(err, &connErr) ||
		errors.As(err, &timeoutErr) || errors.As(err, &checksumErr) {
		return err
	}
	return &RemoteExecutionError{HostID: hostID, Op: op, Err: err}
}
