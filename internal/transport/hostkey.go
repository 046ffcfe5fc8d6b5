// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
)

// KnownHostKeys looks up the pinned key for a host. An empty string means
// the host has never been pinned. Satisfied by the db store.
type KnownHostKeys interface {
	GetKnownHostKey(hostID string) (string, error)
}

// ModernAlgorithms is the negotiation allow-list. Legacy algorithms are not
// offered at all, so a downgrade cannot be negotiated.
func ModernAlgorithms() ssh.Config {
	return ssh.Config{
		KeyExchanges: []string{
			"curve25519-sha256",
			"curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256",
			"ecdh-sha2-nistp384",
			"ecdh-sha2-nistp521",
		},
		Ciphers: []string{
			"chacha20-poly1305@openssh.com",
			"aes256-gcm@openssh.com",
			"aes128-gcm@openssh.com",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com",
			"hmac-sha2-512-etm@openssh.com",
		},
	}
}

// HostKeyAlgorithms lists acceptable host key types, ed25519 first.
func HostKeyAlgorithms() []string {
	return []string{
		ssh.KeyAlgoED25519,
		ssh.KeyAlgoECDSA256,
		ssh.KeyAlgoECDSA384,
		ssh.KeyAlgoECDSA521,
		ssh.KeyAlgoRSASHA512,
		ssh.KeyAlgoRSASHA256,
	}
}

// pinnedHostKeyCallback verifies the presented host key against the pinned
// store. Verification fails closed: an unpinned host is an error unless the
// caller explicitly opted into accept-new mode, and a pinned host must
// present exactly the pinned key.
func pinnedHostKeyCallback(hostID string, opts Options) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		pinned, err := opts.HostKeys.GetKnownHostKey(hostID)
		if err != nil {
			return fmt.Errorf("could not look up pinned host key for %s: %w", hostID, err)
		}
		if pinned == "" {
			if opts.InsecureAcceptNew {
				if opts.OnAcceptNew != nil {
					if err := opts.OnAcceptNew(hostID, key.Type(), presented); err != nil {
						return err
					}
				}
				logging.Warnf("accepted unpinned host key for %s (%s); accept-new mode is for lab bootstrap only", hostID, ssh.FingerprintSHA256(key))
				return nil
			}
			return &HostKeyError{HostID: hostID, Fingerprint: ssh.FingerprintSHA256(key)}
		}
		if pinned != presented {
			logging.Errorf("host key mismatch for %s: pinned key does not match presented %s", hostID, ssh.FingerprintSHA256(key))
			return &HostKeyError{HostID: hostID, Fingerprint: ssh.FingerprintSHA256(key), Mismatch: true}
		}
		return nil
	}
}

// errHostKeyCaptured aborts the probe handshake once the key is in hand.
var errHostKeyCaptured = errors.New("host key captured")

// FetchHostKey connects just far enough to learn the host's public key,
// then aborts. No authentication is attempted. Used by trust-host to show
// the operator a fingerprint before pinning anything.
func FetchHostKey(ctx context.Context, host model.HostEntry, connectTimeout time.Duration) (ssh.PublicKey, error) {
	keyCh := make(chan ssh.PublicKey, 1)
	cfg := &ssh.ClientConfig{
		User: host.Username,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			select {
			case keyCh <- key:
			default:
			}
			return errHostKeyCaptured
		},
		HostKeyAlgorithms: HostKeyAlgorithms(),
		Timeout:           connectTimeout,
		Config:            ModernAlgorithms(),
	}

	d := net.Dialer{Timeout: connectTimeout}
	raw, err := d.DialContext(ctx, "tcp", host.Addr())
	if err != nil {
		return nil, &ConnectionError{HostID: host.ID, Op: "dial", Err: err}
	}
	defer raw.Close()
	if connectTimeout > 0 {
		raw.SetDeadline(time.Now().Add(connectTimeout))
	}

	_, _, _, err = ssh.NewClientConn(raw, host.Addr(), cfg)
	select {
	case key := <-keyCh:
		return key, nil
	default:
	}
	if err == nil {
		// Cannot happen with a rejecting callback, but never report success
		// without a key in hand.
		err = errors.New("handshake completed without presenting a host key")
	}
	return nil, &ConnectionError{HostID: host.ID, Op: "probe", Err: err}
}
