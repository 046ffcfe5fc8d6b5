// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/toeirei/runmaster/internal/model"
	"github.com/toeirei/runmaster/internal/transport"
)

// FetchHostKey dials the host far enough to capture its public key, without
// authenticating. Nothing is stored; the caller decides whether to trust
// what came back.
func (e *Executor) FetchHostKey(ctx context.Context, hostID string) (ssh.PublicKey, error) {
	host, err := e.lookupHost(hostID)
	if err != nil {
		return nil, err
	}
	return transport.FetchHostKey(ctx, host, e.connectTimeout)
}

// TrustHost pins key as the only acceptable identity for the host and audits
// the decision. An existing pin is replaced; re-trusting after a legitimate
// key change is exactly what this is for.
func (e *Executor) TrustHost(hostID string, key ssh.PublicKey) error {
	if _, err := e.lookupHost(hostID); err != nil {
		return err
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	if err := e.hostKeys.PinKnownHostKey(hostID, key.Type(), line); err != nil {
		return fmt.Errorf("could not pin host key for %s: %w", hostID, err)
	}
	now := time.Now().UTC()
	e.audit.Record(model.AuditRecord{
		OperationID:   uuid.NewString(),
		UserID:        e.userID,
		HostID:        hostID,
		OpType:        model.OpTrustHost,
		CommandOrPath: key.Type() + " " + ssh.FingerprintSHA256(key),
		StartedAt:     now,
		EndedAt:       now,
		Status:        model.StatusSuccess,
		Attempts:      1,
	})
	return nil
}
