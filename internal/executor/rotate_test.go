// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/keystore"
	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/transport"
)

// remoteKeys is the shared authorized_keys state of a fake host, surviving
// redials the way a real file would.
type remoteKeys struct {
	mu      sync.Mutex
	content string
}

func (r *remoteKeys) read(ctx context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.content == "" {
		return nil, nil
	}
	return []byte(r.content), nil
}

func (r *remoteKeys) write(ctx context.Context, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = content
	return nil
}

func (r *remoteKeys) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content
}

func seedHostKey(t *testing.T, rig *testRig, hostID string) (pub string) {
	t.Helper()
	priv, pub, err := keystore.GenerateKeyPair(hostID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := rig.keys.StoreKey(hostID, priv, pub); err != nil {
		t.Fatalf("store: %v", err)
	}
	return pub
}

func signerLine(t *testing.T, signer ssh.Signer) string {
	t.Helper()
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
}

func TestRotateKeyStagesVerifiesFinalizes(t *testing.T) {
	userLine := "ssh-rsa AAAAB3NzaC1yc2EUser alice@laptop"
	remote := &remoteKeys{}

	// Captured after seeding; the verify closure runs later, mid-rotation.
	var oldPub string
	var verified []string
	rig := newTestRig(t, func(cfg *Config) {
		cfg.VerifyDial = func(ctx context.Context, host model.HostEntry, signer ssh.Signer) error {
			// During the verify window both keys must be live: a failed
			// verify may never strand the host.
			content := remote.get()
			if !strings.Contains(content, signerLine(t, signer)) {
				t.Error("staged file missing the new key at verify time")
			}
			if !strings.Contains(content, keyData(t, oldPub)) {
				t.Error("staged file missing the old key at verify time")
			}
			verified = append(verified, host.ID)
			return nil
		}
	})
	oldPub = seedHostKey(t, rig, "vm01")
	remote.content = userLine + "\n" + oldPub + "\n"
	rig.dialer.setup = func(c *fakeConn) {
		c.readAuth = remote.read
		c.deployAuth = remote.write
	}

	md, err := rig.exec.RotateKey(context.Background(), "vm01")
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if len(verified) != 1 || verified[0] != "vm01" {
		t.Fatalf("verify dials = %v, want exactly one for vm01", verified)
	}
	if !strings.HasPrefix(md.Fingerprint, "SHA256:") {
		t.Errorf("metadata fingerprint = %q", md.Fingerprint)
	}

	newPub, err := rig.keys.PublicKey("vm01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if newPub == oldPub {
		t.Fatal("rotation did not change the stored key")
	}

	final := remote.get()
	if !strings.Contains(final, newPub) {
		t.Error("final authorized_keys missing the new key")
	}
	if strings.Contains(final, keyData(t, oldPub)) {
		t.Error("old managed key still present after rotation")
	}
	if !strings.Contains(final, userLine) {
		t.Error("unmanaged user key was dropped")
	}

	rig.drain()
	recs := rig.store.RecordsOf(model.OpRotateKey)
	if len(recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Status != model.StatusSuccess || rec.Attempts != 1 {
		t.Errorf("record = %s attempts %d", rec.Status, rec.Attempts)
	}
	if rec.CommandOrPath != "ed25519 "+md.Fingerprint {
		t.Errorf("command_or_path = %q, want the new fingerprint", rec.CommandOrPath)
	}
}

// keyData returns the base64 field of an authorized_keys line.
func keyData(t *testing.T, line string) string {
	t.Helper()
	fields := strings.Fields(line)
	if len(fields) < 2 {
		t.Fatalf("malformed key line %q", line)
	}
	return fields[1]
}

func TestRotateKeyVerifyFailureRollsBack(t *testing.T) {
	userLine := "ssh-rsa AAAAB3NzaC1yc2EUser alice@laptop"
	remote := &remoteKeys{}

	rig := newTestRig(t, func(cfg *Config) {
		cfg.VerifyDial = func(ctx context.Context, host model.HostEntry, signer ssh.Signer) error {
			return &transport.AuthenticationError{HostID: host.ID, User: host.Username}
		}
	})
	oldPub := seedHostKey(t, rig, "vm01")
	original := userLine + "\n" + oldPub + "\n"
	remote.content = original
	rig.dialer.setup = func(c *fakeConn) {
		c.readAuth = remote.read
		c.deployAuth = remote.write
	}

	_, err := rig.exec.RotateKey(context.Background(), "vm01")
	var authErr *transport.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want the verify AuthenticationError", err)
	}

	// Old key intact on both sides, staged key taken back out.
	if got := remote.get(); got != original {
		t.Errorf("remote content = %q, want rollback to %q", got, original)
	}
	gotPub, err := rig.keys.PublicKey("vm01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if gotPub != oldPub {
		t.Error("failed verify must not swap the stored key")
	}

	rig.drain()
	recs := rig.store.RecordsOf(model.OpRotateKey)
	if len(recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(recs))
	}
	if recs[0].Status != model.StatusFailure || recs[0].ErrorKind != model.ErrKindAuth {
		t.Errorf("record = %s/%s, want failure/%s", recs[0].Status, recs[0].ErrorKind, model.ErrKindAuth)
	}
}

func TestRotateKeyStageFailureKeepsOldKey(t *testing.T) {
	rig := newTestRig(t, func(cfg *Config) {
		cfg.VerifyDial = func(ctx context.Context, host model.HostEntry, signer ssh.Signer) error {
			t.Error("verify must not run when staging failed")
			return nil
		}
	})
	oldPub := seedHostKey(t, rig, "vm01")
	boom := errors.New("sftp subsystem refused")
	rig.dialer.setup = func(c *fakeConn) {
		c.deployAuth = func(ctx context.Context, content string) error { return boom }
	}

	_, err := rig.exec.RotateKey(context.Background(), "vm01")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want stage error", err)
	}
	gotPub, err := rig.keys.PublicKey("vm01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if gotPub != oldPub {
		t.Error("failed stage must not swap the stored key")
	}
}

func TestRotateKeyUnknownHost(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.exec.RotateKey(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownHost) {
		t.Fatalf("got %v, want ErrUnknownHost", err)
	}
	if got := rig.dialer.dials("ghost"); got != 0 {
		t.Errorf("dial count = %d, want 0", got)
	}

	rig.drain()
	recs := rig.store.RecordsOf(model.OpRotateKey)
	if len(recs) != 1 || recs[0].ErrorKind != model.ErrKindUnknownHost {
		t.Fatalf("audit = %+v, want one unknown_host failure", recs)
	}
}

func TestRotateKeyFirstProvisionAppendsOnly(t *testing.T) {
	// No prior managed key: rotation provisions one without touching the
	// hand-installed bootstrap key.
	bootstrap := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5Boot root@bootstrap"
	remote := &remoteKeys{content: bootstrap + "\n"}

	rig := newTestRig(t, func(cfg *Config) {
		cfg.VerifyDial = func(ctx context.Context, host model.HostEntry, signer ssh.Signer) error { return nil }
	})
	rig.dialer.setup = func(c *fakeConn) {
		c.readAuth = remote.read
		c.deployAuth = remote.write
	}

	if _, err := rig.exec.RotateKey(context.Background(), "vm01"); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	newPub, err := rig.keys.PublicKey("vm01")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	final := remote.get()
	if !strings.Contains(final, newPub) {
		t.Error("provisioned key missing from authorized_keys")
	}
	if !strings.Contains(final, bootstrap) {
		t.Error("bootstrap key was dropped")
	}
}
