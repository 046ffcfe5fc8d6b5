// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/security"
)

// testServer is a minimal in-process SSH server with a canned command set
// (echo, whoami, sleep, exit) and a filesystem-backed SFTP subsystem.
type testServer struct {
	t        *testing.T
	listener net.Listener
	hostKey  ssh.Signer
	username string
	workDir  string
}

type testServerConfig struct {
	username  string
	clientKey ssh.PublicKey
	password  string
	// workDir anchors relative SFTP paths; empty means the process working
	// directory.
	workDir string
}

func startTestServer(t *testing.T, cfg testServerConfig) *testServer {
	t.Helper()
	if cfg.username == "" {
		cfg.username = "thadmin"
	}

	hostKey := newTestSigner(t)
	serverCfg := &ssh.ServerConfig{}
	serverCfg.AddHostKey(hostKey)
	if cfg.clientKey != nil {
		authorized := cfg.clientKey.Marshal()
		serverCfg.PublicKeyCallback = func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if cfg.password != "" {
		want := cfg.password
		serverCfg.PasswordCallback = func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if cfg.clientKey == nil && cfg.password == "" {
		// x/crypto/ssh refuses to serve a handshake when no auth methods are
		// configured unless NoClientAuth is set; the auth-less server is used
		// for pre-auth host key probes.
		serverCfg.NoClientAuth = true
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &testServer{t: t, listener: listener, hostKey: hostKey, username: cfg.username, workDir: cfg.workDir}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(nConn, serverCfg)
		}
	}()
	return srv
}

func (s *testServer) addr() string { return s.listener.Addr().String() }

func (s *testServer) host(id string) model.HostEntry {
	host, portStr, err := net.SplitHostPort(s.addr())
	if err != nil {
		s.t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return model.HostEntry{ID: id, Address: host, Port: port, Username: s.username, Enabled: true}
}

func (s *testServer) hostWithPassword(id, password string) model.HostEntry {
	h := s.host(id)
	h.Password = security.FromString(password)
	return h
}

func (s *testServer) hostKeyLine() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(s.hostKey.PublicKey())))
}

func (s *testServer) handleConn(nConn net.Conn, cfg *ssh.ServerConfig) {
	conn, chans, reqs, err := ssh.NewServerConn(nConn, cfg)
	if err != nil {
		nConn.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests)
	}
}

func (s *testServer) handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.runCommand(channel, msg.Command)
			return
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			var opts []sftp.ServerOption
			if s.workDir != "" {
				opts = append(opts, sftp.WithServerWorkingDirectory(s.workDir))
			}
			server, err := sftp.NewServer(channel, opts...)
			if err != nil {
				return
			}
			server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) runCommand(channel ssh.Channel, command string) {
	exit := func(status uint32) {
		channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
	}
	switch {
	case strings.HasPrefix(command, "echo "):
		fmt.Fprintln(channel, strings.TrimPrefix(command, "echo "))
		exit(0)
	case command == "whoami":
		fmt.Fprintln(channel, s.username)
		exit(0)
	case strings.HasPrefix(command, "exit "):
		code, err := strconv.Atoi(strings.TrimPrefix(command, "exit "))
		if err != nil {
			code = 2
		}
		exit(uint32(code))
	case strings.HasPrefix(command, "sleep "):
		secs, err := strconv.ParseFloat(strings.TrimPrefix(command, "sleep "), 64)
		if err != nil {
			fmt.Fprintf(channel.Stderr(), "sleep: invalid time interval\n")
			exit(1)
			return
		}
		// Stop sleeping as soon as the client tears the session down.
		closed := make(chan struct{})
		go func() {
			io.Copy(io.Discard, channel)
			close(closed)
		}()
		select {
		case <-time.After(time.Duration(secs * float64(time.Second))):
			exit(0)
		case <-closed:
		}
	default:
		fmt.Fprintf(channel.Stderr(), "sh: %s: command not found\n", command)
		exit(127)
	}
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// stubHostKeys is an in-memory pinned key store.
type stubHostKeys map[string]string

func (s stubHostKeys) GetKnownHostKey(hostID string) (string, error) {
	return s[hostID], nil
}
