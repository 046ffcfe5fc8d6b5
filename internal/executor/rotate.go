// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package executor

import (
	"context"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/sshkey"
	"github.com/toeirei/runmaster/internal/transport"
)

// RotateKey replaces the managed key for hostID in three steps, every one
// authenticated with the credential that is active before the swap: stage
// the new public key next to the old one, verify a fresh connection that
// offers only the new key, then retire the old key. The local store swaps
// only after the verify, so a failure at any step leaves the old key
// working on both sides. Rotation is a single attempt; the operator reruns
// after a transient failure.
func (e *Executor) RotateKey(ctx context.Context, hostID string) (model.KeyMetadata, error) {
	rec := e.newRecord(hostID, model.OpRotateKey, "ed25519")

	host, err := e.lookupHost(hostID)
	if err != nil {
		e.finish(&rec, 0, err)
		return model.KeyMetadata{}, err
	}

	md, err := e.keys.RotateKey(ctx, hostID, func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		return e.deployNewKey(ctx, host, newPub, newKey)
	})
	if err == nil {
		rec.CommandOrPath = "ed25519 " + md.Fingerprint
	}
	e.finish(&rec, 1, err)
	if err != nil {
		return model.KeyMetadata{}, e.wrap(hostID, "key rotation", err)
	}
	return md, nil
}

// deployNewKey is the rotation deploy: stage, verify, finalize.
func (e *Executor) deployNewKey(ctx context.Context, host model.HostEntry, newPub string, newKey ssh.Signer) error {
	// Stage: append the new key next to the old one, so a failed verify
	// cannot lock anyone out.
	var original, staged string
	_, err := e.withConn(ctx, host.ID, func(ctx context.Context, conn Conn) (*model.OperationResult, error) {
		current, err := conn.ReadAuthorizedKeys(ctx)
		if err != nil {
			return nil, err
		}
		original = string(current)
		staged = sshkey.AddKey(original, newPub)
		return nil, conn.DeployAuthorizedKeys(ctx, staged)
	})
	if err != nil {
		return err
	}

	// Verify: a fresh connection that can offer nothing but the new key.
	if err := e.verifyDial(ctx, host, newKey); err != nil {
		// Best effort: the staged key has no usable private half once this
		// rotation fails, take it back out.
		if _, rbErr := e.withConn(ctx, host.ID, func(ctx context.Context, conn Conn) (*model.OperationResult, error) {
			return nil, conn.DeployAuthorizedKeys(ctx, original)
		}); rbErr != nil {
			logging.Warnf("could not remove staged key from %s: %v", host.ID, rbErr)
		}
		return fmt.Errorf("new key rejected by %s: %w", host.ID, err)
	}

	// Finalize: retire the old managed key. Connections opened before this
	// point stay up; sshd checks authorized_keys only at the handshake.
	final := sshkey.RemoveManagedKeys(staged, host.ID, newPub)
	_, err = e.withConn(ctx, host.ID, func(ctx context.Context, conn Conn) (*model.OperationResult, error) {
		return nil, conn.DeployAuthorizedKeys(ctx, final)
	})
	return err
}

// verifyNewKey dials the host offering only the new signer. No accept-new
// fallback here: by this point the host key is pinned or the stage dial
// would already have failed.
func (e *Executor) verifyNewKey(ctx context.Context, host model.HostEntry, signer ssh.Signer) error {
	host.Password = nil
	conn, err := transport.Connect(ctx, host, transport.Options{
		HostKeys:       e.hostKeys,
		Signer:         signer,
		ConnectTimeout: e.connectTimeout,
	})
	if err != nil {
		return err
	}
	return conn.Close()
}
