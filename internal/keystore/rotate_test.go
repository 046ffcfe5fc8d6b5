// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestRotateKeySwapsAfterDeploy(t *testing.T) {
	m := newTestManager(t)
	oldPriv, oldPub := mustStore(t, m, "vm01")

	var deployed string
	md, err := m.RotateKey(context.Background(), "vm01", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		// The old key must stay active until the deploy returns.
		cur, err := m.PublicKey("vm01")
		if err != nil {
			return err
		}
		if cur != oldPub {
			t.Error("store swapped before the deploy finished")
		}
		line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(newKey.PublicKey())))
		if !strings.HasPrefix(newPub, line) {
			t.Error("deploy signer does not match the new public key")
		}
		deployed = newPub
		return nil
	})
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if !strings.HasPrefix(md.Fingerprint, "SHA256:") {
		t.Errorf("metadata fingerprint = %q", md.Fingerprint)
	}

	gotPub, err := m.PublicKey("vm01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if gotPub != deployed {
		t.Errorf("active key %q is not the deployed one %q", gotPub, deployed)
	}
	if gotPub == oldPub {
		t.Error("rotation did not change the key")
	}
	newPriv, err := m.PrivateKey("vm01")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if bytes.Equal(newPriv, oldPriv) {
		t.Error("private key unchanged after rotation")
	}

	if _, err := os.Stat(filepath.Join(m.Dir(), "vm01"+lockSuffix)); !os.IsNotExist(err) {
		t.Error("rotation lock left behind")
	}
}

func TestRotateKeyDeployFailureKeepsOldKey(t *testing.T) {
	m := newTestManager(t)
	oldPriv, oldPub := mustStore(t, m, "vm01")

	boom := errors.New("host unreachable")
	_, err := m.RotateKey(context.Background(), "vm01", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RotateKey: got %v, want deploy error", err)
	}

	gotPub, err := m.PublicKey("vm01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if gotPub != oldPub {
		t.Error("failed deploy must not change the stored key")
	}
	gotPriv, err := m.PrivateKey("vm01")
	if err != nil {
		t.Fatalf("PrivateKey: %v", err)
	}
	if !bytes.Equal(gotPriv, oldPriv) {
		t.Error("failed deploy must not change the private key")
	}

	if _, err := os.Stat(filepath.Join(m.Dir(), "vm01"+lockSuffix)); !os.IsNotExist(err) {
		t.Error("rotation lock left behind after failure")
	}
}

func TestRotateKeyLockContention(t *testing.T) {
	m := newTestManager(t)
	mustStore(t, m, "vm01")

	lockPath := filepath.Join(m.Dir(), "vm01"+lockSuffix)
	if err := os.WriteFile(lockPath, []byte("pid 1\n"), 0o600); err != nil {
		t.Fatalf("plant lock: %v", err)
	}

	_, err := m.RotateKey(context.Background(), "vm01", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		t.Error("deploy must not run while the lock is held")
		return nil
	})
	if !errors.Is(err, ErrRotationInProgress) {
		t.Fatalf("got %v, want ErrRotationInProgress", err)
	}

	if err := os.Remove(lockPath); err != nil {
		t.Fatalf("remove lock: %v", err)
	}
	if _, err := m.RotateKey(context.Background(), "vm01", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		return nil
	}); err != nil {
		t.Fatalf("RotateKey after lock release: %v", err)
	}
}

func TestRotateKeyFirstProvision(t *testing.T) {
	m := newTestManager(t)

	var deployed string
	md, err := m.RotateKey(context.Background(), "fresh-vm", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		deployed = newPub
		return nil
	})
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if md.HostID != "fresh-vm" {
		t.Errorf("metadata host = %q", md.HostID)
	}
	gotPub, err := m.PublicKey("fresh-vm")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if gotPub != deployed {
		t.Errorf("stored key %q differs from deployed %q", gotPub, deployed)
	}
}

func TestRotateKeyCancelledContext(t *testing.T) {
	m := newTestManager(t)
	mustStore(t, m, "vm01")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.RotateKey(ctx, "vm01", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		t.Error("deploy must not run with a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestRotateKeyInvalidHostID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.RotateKey(context.Background(), "../evil", func(ctx context.Context, newPub string, newKey ssh.Signer) error {
		return nil
	}); err == nil {
		t.Fatal("expected validation error")
	}
}
