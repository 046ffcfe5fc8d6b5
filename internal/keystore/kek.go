// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package keystore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/toeirei/runmaster/internal/security"
)

// KEKSource resolves the key-encryption passphrase exactly once and caches
// it in memory for the life of the process. It is a concurrency-safe
// "mailbox": callers always receive a copy, so one caller wiping its copy
// cannot affect another. Resolution order: cached value, environment
// variable, interactive prompt.
type KEKSource struct {
	mu     sync.Mutex
	cached security.Secret
	envVar string

	// promptFn is swapped out in tests.
	promptFn func() ([]byte, error)
}

// NewKEKSource returns a source reading from the given environment variable,
// falling back to an interactive terminal prompt.
func NewKEKSource(envVar string) *KEKSource {
	return &KEKSource{envVar: envVar, promptFn: promptForKEK}
}

// Set stores a copy of the passphrase, overwriting any existing value.
func (s *KEKSource) Set(pass []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached.Zero()
	s.cached = security.FromBytes(pass)
}

// Get returns a copy of the passphrase, resolving it on first use. The
// caller is responsible for zeroing the returned secret after use. An empty
// passphrase is rejected: key containers are always encrypted.
func (s *KEKSource) Get() (security.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cached.IsZero() {
		return security.FromBytes(s.cached.Bytes()), nil
	}

	if s.envVar != "" {
		if v := os.Getenv(s.envVar); v != "" {
			s.cached = security.FromString(v)
			return security.FromBytes(s.cached.Bytes()), nil
		}
	}

	pass, err := s.promptFn()
	if err != nil {
		return nil, err
	}
	if len(pass) == 0 {
		return nil, fmt.Errorf("empty key encryption passphrase")
	}
	s.cached = security.FromBytes(pass)
	for i := range pass {
		pass[i] = 0
	}
	return security.FromBytes(s.cached.Bytes()), nil
}

// Clear securely wipes the cached passphrase. Call on process exit.
func (s *KEKSource) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached.Zero()
	s.cached = nil
}

func promptForKEK() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("no key encryption passphrase available: set the configured environment variable or run interactively")
	}
	fmt.Fprint(os.Stderr, "Key encryption passphrase: ")
	pass, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("could not read passphrase: %w", err)
	}
	return pass, nil
}
