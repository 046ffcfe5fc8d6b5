// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transport owns the SSH plumbing: connecting with a modern
// algorithm allow-list, verifying pinned host keys, running commands with
// hard timeouts, and checksummed SFTP transfers. Everything above this
// package deals in host ids and results; everything below is x/crypto/ssh.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
)

// State tracks a connection through its life. Transitions only move
// forward except for the Ready/Busy pair, which flips for every operation.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateReady
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Options configures Connect. HostKeys is required; exactly one of Signer
// or a host password should normally be set (if both are, the key is
// offered first).
type Options struct {
	// HostKeys is the pinned host key store consulted during the handshake.
	HostKeys KnownHostKeys
	// Signer authenticates with the host's managed private key.
	Signer ssh.Signer
	// ConnectTimeout bounds the TCP dial and the SSH handshake.
	ConnectTimeout time.Duration
	// InsecureAcceptNew accepts and reports unpinned host keys instead of
	// failing. For lab bootstrap only; every acceptance is surfaced through
	// OnAcceptNew so it can be pinned and audited.
	InsecureAcceptNew bool
	// OnAcceptNew is invoked for each key accepted under InsecureAcceptNew.
	// Returning an error aborts the handshake.
	OnAcceptNew func(hostID, algorithm, authorizedKey string) error
}

// Connection is a live SSH connection to one managed host. It is not safe
// for concurrent operations; the pool serializes access per host and the
// Busy state rejects accidental re-entrant use.
type Connection struct {
	hostID    string
	addr      string
	createdAt time.Time

	mu     sync.Mutex
	state  State
	client *ssh.Client
	sftpc  *sftp.Client
}

// Connect dials, verifies the host key, and authenticates. On any failure
// the connection is discarded; there is no half-connected state to retry
// on.
func Connect(ctx context.Context, host model.HostEntry, opts Options) (*Connection, error) {
	if opts.HostKeys == nil {
		return nil, fmt.Errorf("no pinned host key store configured")
	}
	auth := authMethods(host, opts)
	if len(auth) == 0 {
		return nil, &AuthenticationError{HostID: host.ID, User: host.Username, Err: errors.New("no key and no password available")}
	}

	addr := host.Addr()
	c := &Connection{hostID: host.ID, addr: addr, createdAt: time.Now(), state: StateConnecting}

	cfg := &ssh.ClientConfig{
		User:              host.Username,
		Auth:              auth,
		HostKeyCallback:   pinnedHostKeyCallback(host.ID, opts),
		HostKeyAlgorithms: HostKeyAlgorithms(),
		Timeout:           opts.ConnectTimeout,
		Config:            ModernAlgorithms(),
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{HostID: host.ID, Op: "dial", Err: err}
	}
	if opts.ConnectTimeout > 0 {
		raw.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	}

	// Abort the handshake if the context dies while we negotiate.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-watchDone:
		}
	}()
	ncc, chans, reqs, err := ssh.NewClientConn(raw, addr, cfg)
	close(watchDone)
	if err != nil {
		raw.Close()
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyHandshakeError(host, err)
	}
	raw.SetDeadline(time.Time{})

	c.setState(StateAuthenticated)
	c.client = ssh.NewClient(ncc, chans, reqs)
	c.setState(StateReady)
	logging.Debugf("connected to %s (%s)", host.ID, addr)
	return c, nil
}

func authMethods(host model.HostEntry, opts Options) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if opts.Signer != nil {
		methods = append(methods, ssh.PublicKeys(opts.Signer))
	}
	if !host.Password.IsZero() {
		methods = append(methods, ssh.Password(string(host.Password.Bytes())))
	}
	return methods
}

func classifyHandshakeError(host model.HostEntry, err error) error {
	var hke *HostKeyError
	if errors.As(err, &hke) {
		return hke
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return &AuthenticationError{HostID: host.ID, User: host.Username, Err: err}
	}
	return &ConnectionError{HostID: host.ID, Op: "handshake", Err: err}
}

// HostID returns the managed host this connection belongs to.
func (c *Connection) HostID() string { return c.hostID }

// Addr returns the dialed address.
func (c *Connection) Addr() string { return c.addr }

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the connection can take an operation.
func (c *Connection) Ready() bool { return c.State() == StateReady }

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// beginOp flips Ready to Busy or rejects the operation.
func (c *Connection) beginOp() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		c.state = StateBusy
		return nil
	case StateBusy:
		return fmt.Errorf("connection to %s is busy", c.hostID)
	default:
		return fmt.Errorf("connection to %s is %s, not ready", c.hostID, c.state)
	}
}

// endOp flips Busy back to Ready. A connection failed mid-operation stays
// closed.
func (c *Connection) endOp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateBusy {
		c.state = StateReady
	}
}

// fail discards a connection whose transport broke mid-operation. The pool
// sees Ready() == false and drops it on release.
func (c *Connection) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.sftpc != nil {
		c.sftpc.Close()
		c.sftpc = nil
	}
	if c.client != nil {
		c.client.Close()
	}
}

// Close shuts the connection down. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	if c.sftpc != nil {
		c.sftpc.Close()
		c.sftpc = nil
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Run executes one command in a fresh session. The result carries exit
// code, output, and timing; a non-zero exit is data, not an error. On
// timeout the remote process is killed, the session torn down, and
// CommandTimeoutError returned while the connection itself stays usable.
func (c *Connection) Run(ctx context.Context, command string, timeout time.Duration) (*model.OperationResult, error) {
	if err := c.beginOp(); err != nil {
		return nil, err
	}
	defer c.endOp()

	session, err := c.client.NewSession()
	if err != nil {
		c.fail()
		return nil, &ConnectionError{HostID: c.hostID, Op: "session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	started := time.Now()
	if err := session.Start(command); err != nil {
		c.fail()
		return nil, &ConnectionError{HostID: c.hostID, Op: "exec", Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err = <-done:
	case <-deadline:
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		logging.Warnf("command on %s killed after %s: %q", c.hostID, timeout, command)
		return nil, &CommandTimeoutError{HostID: c.hostID, Command: command, Timeout: timeout}
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return nil, ctx.Err()
	}

	result := &model.OperationResult{
		HostID:    c.hostID,
		Command:   command,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		c.fail()
		return nil, &ConnectionError{HostID: c.hostID, Op: "wait", Err: err}
	}
	return result, nil
}
