// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package sshkey contains helpers for working with public keys in
// authorized_keys format: splitting lines into their components, computing
// fingerprints, and the comment convention that ties a key to a host.
package sshkey

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// CommentPrefix marks keys managed by Runmaster. The full comment form is
// "runmaster:<host_id>".
const CommentPrefix = "runmaster:"

// Parse splits a raw public key string (like one from an authorized_keys file)
/// into its three core components: algorithm, key data, and comment.
// It correctly handles leading options in the line (e.g., from="...",command="...").
func Parse(rawKey string) (algorithm, keyData, comment string, err error) {
	fields := strings.Fields(rawKey)
	if len(fields) == 0 {
		err = fmt.Errorf("empty line")
		return
	}

	keyStartIndex := -1
	for i, field := range fields {
		if strings.HasPrefix(field, "ssh-") || strings.HasPrefix(field, "ecdsa-") {
			keyStartIndex = i
			break
		}
	}

	if keyStartIndex == -1 {
		err = fmt.Errorf("no valid SSH key type found in line")
		return
	}

	if len(fields) < keyStartIndex+2 {
		err = fmt.Errorf("invalid public key format: missing key data after algorithm")
		return
	}

	algorithm = fields[keyStartIndex]
	keyData = fields[keyStartIndex+1]
	if len(fields) > keyStartIndex+2 {
		comment = strings.Join(fields[keyStartIndex+2:], " ")
	}

	return
}

// Fingerprint returns the SHA256 fingerprint ("SHA256:...") of a public key
// given in authorized_keys format.
func Fingerprint(authorizedKey string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return "", fmt.Errorf("could not parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}

// CommentForHost returns the managed-key comment for a host.
func CommentForHost(hostID string) string {
	return CommentPrefix + hostID
}

// HostIDFromComment extracts the host_id from a managed-key comment.
// It returns false for comments Runmaster did not write.
func HostIDFromComment(comment string) (string, bool) {
	if !strings.HasPrefix(comment, CommentPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(comment, CommentPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}
