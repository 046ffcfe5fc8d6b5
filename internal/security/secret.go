// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package security holds the Secret type used for every piece of sensitive
// material Runmaster touches: the key-encryption passphrase (KEK), decrypted
// private keys, and host password fallbacks. Secrets redact themselves in
// fmt, JSON and text encoding so they cannot end up in logs, audit records
// or error messages by accident.
package security

import (
	"encoding/json"
	"fmt"
	"io"
)

// Secret is a thin wrapper around a byte slice intended to hold sensitive
// material. The zero value is an absent secret; IsZero distinguishes "not
// configured" from an empty credential.
type Secret []byte

// String redacts the secret for fmt.Print* convenience.
func (s Secret) String() string { return "[SECRET]" }

// Format implements fmt.Formatter to ensure `%v`, `%#v` and friends are redacted.
func (s Secret) Format(f fmt.State, c rune) {
	if _, err := io.WriteString(f, "[SECRET]"); err != nil {
		_ = err // intentionally ignore write error when formatting secrets for logs
	}
}

// IsZero reports whether no secret material is present.
func (s Secret) IsZero() bool { return len(s) == 0 }

// Bytes returns a copy of the underlying bytes. Callers are responsible for
// zeroing sensitive copies when done.
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// Zero overwrites the underlying byte slice with zeros. Key material must be
// zeroed as soon as a handshake or rotation no longer needs it.
func (s *Secret) Zero() {
	if s == nil || *s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}

// Use executes fn with the underlying bytes (not a copy). Prefer this when
// callers need to avoid copies; responsibility for zeroing belongs to the
// caller if they retain the slice.
func (s Secret) Use(fn func([]byte) error) error {
	return fn([]byte(s))
}

// MarshalJSON redacts secrets in JSON marshaling.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal("[SECRET]") }

// MarshalText redacts secrets for text encoding.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[SECRET]"), nil }

// FromString creates a Secret from a string input (callers should zero any
// intermediate []byte they create from user input).
func FromString(in string) Secret { return Secret([]byte(in)) }

// FromBytes creates a Secret from bytes (it makes a copy).
func FromBytes(in []byte) Secret {
	out := make([]byte, len(in))
	copy(out, in)
	return Secret(out)
}

// Redacted returns a short human-readable placeholder useful for logs.
func (s Secret) Redacted() string { return "[SECRET]" }
