// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package keystore manages the per-host SSH identity keys. Each managed
// host gets its own ed25519 key pair; the private half lives on disk as an
// OpenSSH PEM container encrypted under a key encryption passphrase (KEK)
// and is only ever decrypted on demand. All writes are atomic and
// owner-only so a crashed process never leaves a readable or half-written
// key behind.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/sshkey"
)

const (
	keySuffix  = ".key"
	pubSuffix  = ".key.pub"
	lockSuffix = ".lock"
)

// ErrKeyNotFound is returned when no key material exists for a host.
var ErrKeyNotFound = errors.New("key not found")

// Manager is the on-disk key store. The store directory holds one
// <host_id>.key (encrypted private key, 0600) and one <host_id>.key.pub
// (authorized_keys line) per managed host.
type Manager struct {
	dir string
	kek *KEKSource
}

// NewManager returns a store rooted at dir. The directory is created lazily
// on first write.
func NewManager(dir string, kek *KEKSource) *Manager {
	return &Manager{dir: dir, kek: kek}
}

// Dir returns the store directory.
func (m *Manager) Dir() string { return m.dir }

// GenerateKeyPair creates a fresh ed25519 pair for a host. The public half
// is returned as a ready-to-deploy authorized_keys line tagged with the
// managed-key comment. The private key is raw and unencrypted; hand it to
// StoreKey and wipe it with ZeroPrivateKey when done.
func GenerateKeyPair(hostID string) (ed25519.PrivateKey, string, error) {
	if !model.ValidHostID(hostID) {
		return nil, "", fmt.Errorf("invalid host id %q", hostID)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("could not generate ed25519 key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("could not convert public key to SSH format: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + sshkey.CommentForHost(hostID)
	return priv, line, nil
}

// ZeroPrivateKey wipes the private key bytes in place.
func ZeroPrivateKey(priv ed25519.PrivateKey) {
	for i := range priv {
		priv[i] = 0
	}
}

// StoreKey encrypts the private key under the KEK and writes both halves
// atomically. An existing key for the host is replaced in a single rename,
// so concurrent readers see either the old pair or the new one, never a
// torn file.
func (m *Manager) StoreKey(hostID string, priv ed25519.PrivateKey, pub string) error {
	keyPath, pubPath, err := m.paths(hostID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("could not create key store %s: %w", m.dir, err)
	}
	kek, err := m.kek.Get()
	if err != nil {
		return err
	}
	defer kek.Zero()

	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, sshkey.CommentForHost(hostID), kek)
	if err != nil {
		return fmt.Errorf("could not encrypt private key for %s: %w", hostID, err)
	}
	if err := writeFileAtomic(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	if err := writeFileAtomic(pubPath, []byte(strings.TrimSpace(pub)+"\n"), 0o644); err != nil {
		return err
	}
	logging.Debugf("stored key for %s in %s", hostID, m.dir)
	return nil
}

// PrivateKey decrypts and returns the private key for a host. Absence is
// ErrKeyNotFound; a wrong KEK is a loud decrypt error, never a silent
// fallback. Callers should wipe the result with ZeroPrivateKey.
func (m *Manager) PrivateKey(hostID string) (ed25519.PrivateKey, error) {
	keyPath, _, err := m.paths(hostID)
	if err != nil {
		return nil, err
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no key for host %s", ErrKeyNotFound, hostID)
		}
		return nil, fmt.Errorf("could not read private key for %s: %w", hostID, err)
	}
	kek, err := m.kek.Get()
	if err != nil {
		return nil, err
	}
	defer kek.Zero()

	raw, err := ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, kek)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt private key for %s (wrong key encryption passphrase?): %w", hostID, err)
	}
	switch k := raw.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	}
	return nil, fmt.Errorf("unexpected key type %T in store for %s", raw, hostID)
}

// Signer returns an SSH signer backed by the host's private key, ready for
// public key authentication.
func (m *Manager) Signer(hostID string) (ssh.Signer, error) {
	priv, err := m.PrivateKey(hostID)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("could not build signer for %s: %w", hostID, err)
	}
	return signer, nil
}

// PublicKey returns the host's public key as an authorized_keys line.
func (m *Manager) PublicKey(hostID string) (string, error) {
	_, pubPath, err := m.paths(hostID)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(pubPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no key for host %s", ErrKeyNotFound, hostID)
		}
		return "", fmt.Errorf("could not read public key for %s: %w", hostID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HasKey reports whether a private key exists for the host.
func (m *Manager) HasKey(hostID string) bool {
	keyPath, _, err := m.paths(hostID)
	if err != nil {
		return false
	}
	_, err = os.Stat(keyPath)
	return err == nil
}

// Metadata describes the stored key for a host without touching the
// private half. CreatedAt is the time the key was last (re)written.
func (m *Manager) Metadata(hostID string) (model.KeyMetadata, error) {
	_, pubPath, err := m.paths(hostID)
	if err != nil {
		return model.KeyMetadata{}, err
	}
	pub, err := m.PublicKey(hostID)
	if err != nil {
		return model.KeyMetadata{}, err
	}
	algorithm, _, _, err := sshkey.Parse(pub)
	if err != nil {
		return model.KeyMetadata{}, fmt.Errorf("could not parse stored public key for %s: %w", hostID, err)
	}
	fp, err := sshkey.Fingerprint(pub)
	if err != nil {
		return model.KeyMetadata{}, fmt.Errorf("could not fingerprint stored public key for %s: %w", hostID, err)
	}
	info, err := os.Stat(pubPath)
	var created time.Time
	if err == nil {
		created = info.ModTime()
	}
	return model.KeyMetadata{
		HostID:      hostID,
		Type:        algorithm,
		Fingerprint: fp,
		CreatedAt:   created,
	}, nil
}

// ListKeys returns metadata for every key in the store, sorted by host id.
// Unreadable entries are skipped with a warning rather than failing the
// whole listing.
func (m *Manager) ListKeys() ([]model.KeyMetadata, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read key store %s: %w", m.dir, err)
	}
	var out []model.KeyMetadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, pubSuffix) {
			continue
		}
		hostID := strings.TrimSuffix(name, pubSuffix)
		if !model.ValidHostID(hostID) {
			continue
		}
		md, err := m.Metadata(hostID)
		if err != nil {
			logging.Warnf("skipping unreadable key entry %s: %v", name, err)
			continue
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}

// paths validates the host id and maps it to store file paths. Validation
// here keeps untrusted ids out of filesystem paths.
func (m *Manager) paths(hostID string) (keyPath, pubPath string, err error) {
	if !model.ValidHostID(hostID) {
		return "", "", fmt.Errorf("invalid host id %q", hostID)
	}
	return filepath.Join(m.dir, hostID+keySuffix), filepath.Join(m.dir, hostID+pubSuffix), nil
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it into place, so readers never observe partial content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("could not write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not activate %s: %w", path, err)
	}
	return nil
}
