// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestFetchHostKey(t *testing.T) {
	srv := startTestServer(t, testServerConfig{})

	key, err := FetchHostKey(context.Background(), srv.host("vm01"), 5*time.Second)
	if err != nil {
		t.Fatalf("FetchHostKey: %v", err)
	}
	if !bytes.Equal(key.Marshal(), srv.hostKey.PublicKey().Marshal()) {
		t.Error("fetched key is not the server's host key")
	}
	if fp := ssh.FingerprintSHA256(key); !strings.HasPrefix(fp, "SHA256:") {
		t.Errorf("fingerprint = %q", fp)
	}
}

func TestFetchHostKeyConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr, portStr, _ := net.SplitHostPort(l.Addr().String())
	port, _ := strconv.Atoi(portStr)
	l.Close()

	srv := startTestServer(t, testServerConfig{})
	host := srv.host("vm01")
	host.Address = addr
	host.Port = port

	_, err = FetchHostKey(context.Background(), host, time.Second)
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("got %v, want ConnectionError", err)
	}
}

func TestModernAlgorithmsExcludeLegacy(t *testing.T) {
	cfg := ModernAlgorithms()
	for _, banned := range []string{"diffie-hellman-group14-sha1", "diffie-hellman-group1-sha1"} {
		for _, kex := range cfg.KeyExchanges {
			if kex == banned {
				t.Errorf("legacy key exchange %s offered", banned)
			}
		}
	}
	for _, banned := range []string{"aes128-cbc", "3des-cbc", "arcfour"} {
		for _, cipher := range cfg.Ciphers {
			if cipher == banned {
				t.Errorf("legacy cipher %s offered", banned)
			}
		}
	}
	for _, banned := range []string{"hmac-sha1", "hmac-md5"} {
		for _, mac := range cfg.MACs {
			if mac == banned {
				t.Errorf("legacy MAC %s offered", banned)
			}
		}
	}

	algos := HostKeyAlgorithms()
	if len(algos) == 0 || algos[0] != ssh.KeyAlgoED25519 {
		t.Errorf("host key preference = %v, want ed25519 first", algos)
	}
	for _, banned := range []string{"ssh-rsa", "ssh-dss"} {
		for _, algo := range algos {
			if algo == banned {
				t.Errorf("legacy host key algorithm %s offered", banned)
			}
		}
	}
}

type failingHostKeys struct{ err error }

func (f failingHostKeys) GetKnownHostKey(hostID string) (string, error) {
	return "", f.err
}

func TestConnectHostKeyStoreFailure(t *testing.T) {
	clientSigner := newTestSigner(t)
	srv := startTestServer(t, testServerConfig{clientKey: clientSigner.PublicKey()})

	dbErr := fmt.Errorf("database is locked")
	_, err := Connect(context.Background(), srv.host("vm01"), Options{
		HostKeys:       failingHostKeys{err: dbErr},
		Signer:         clientSigner,
		ConnectTimeout: 5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected error when the pinned key store fails")
	}
	if !errors.Is(err, dbErr) {
		t.Errorf("store error lost from chain: %v", err)
	}
	var hkErr *HostKeyError
	if errors.As(err, &hkErr) {
		t.Error("store failure must not masquerade as a host key verdict")
	}
}

func TestConnectNilHostKeyStore(t *testing.T) {
	srv := startTestServer(t, testServerConfig{})
	_, err := Connect(context.Background(), srv.host("vm01"), Options{
		Signer:         newTestSigner(t),
		ConnectTimeout: time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "host key store") {
		t.Fatalf("got %v, want configuration error", err)
	}
}
