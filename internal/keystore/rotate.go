// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
)

// ErrRotationInProgress is returned when another rotation already holds the
// host's lock file.
var ErrRotationInProgress = errors.New("key rotation already in progress")

// DeployFn pushes a freshly generated public key to the remote host and
// verifies it works, authenticating with the credential that is active
// BEFORE the swap. newKey signs the verification dial. It must return nil
// only once the new key is accepted for login; on error the store keeps the
// old key.
type DeployFn func(ctx context.Context, newPublicKey string, newKey ssh.Signer) error

// RotateKey replaces the host's key pair: generate, deploy via deployFn,
// then swap the store atomically. The old key stays active until the deploy
// has been verified, so a failed deploy never locks the operator out. A
// per-host lock file serializes rotations; the in-memory private bytes are
// wiped before returning.
func (m *Manager) RotateKey(ctx context.Context, hostID string, deploy DeployFn) (model.KeyMetadata, error) {
	if _, _, err := m.paths(hostID); err != nil {
		return model.KeyMetadata{}, err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return model.KeyMetadata{}, fmt.Errorf("could not create key store %s: %w", m.dir, err)
	}
	unlock, err := m.lockHost(hostID)
	if err != nil {
		return model.KeyMetadata{}, err
	}
	defer unlock()

	priv, pub, err := GenerateKeyPair(hostID)
	if err != nil {
		return model.KeyMetadata{}, err
	}
	defer ZeroPrivateKey(priv)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return model.KeyMetadata{}, fmt.Errorf("could not build signer for %s: %w", hostID, err)
	}

	if err := ctx.Err(); err != nil {
		return model.KeyMetadata{}, err
	}
	if err := deploy(ctx, pub, signer); err != nil {
		return model.KeyMetadata{}, fmt.Errorf("could not deploy new key for %s: %w", hostID, err)
	}
	if err := m.StoreKey(hostID, priv, pub); err != nil {
		return model.KeyMetadata{}, err
	}
	md, err := m.Metadata(hostID)
	if err != nil {
		return model.KeyMetadata{}, err
	}
	logging.Infof("rotated key for %s (%s)", hostID, md.Fingerprint)
	return md, nil
}

// lockHost takes the host's rotation lock. The lock is a plain O_EXCL file;
// a stale lock after a crash is removed by hand, which beats silently
// rotating under a concurrent writer.
func (m *Manager) lockHost(hostID string) (func(), error) {
	lockPath := filepath.Join(m.dir, hostID+lockSuffix)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w for %s (remove %s if stale)", ErrRotationInProgress, hostID, lockPath)
		}
		return nil, fmt.Errorf("could not create rotation lock for %s: %w", hostID, err)
	}
	fmt.Fprintf(f, "pid %d\n", os.Getpid())
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}
