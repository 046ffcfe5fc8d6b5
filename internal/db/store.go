// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"time"

	"github.com/toeirei/runmaster/internal/model"
)

// Store defines the interface for all database operations in Runmaster.
// This allows for multiple database backends to be implemented.
//
// Audit records are append-only by construction: the interface offers no
// update or delete for them.
type Store interface {
	// Audit record methods
	InsertAuditRecord(rec *model.AuditRecord) (int64, error)
	ListAuditRecords(filter AuditFilter) ([]model.AuditRecord, error)

	// Known host key methods
	GetKnownHostKey(hostID string) (string, error)
	PinKnownHostKey(hostID, algorithm, authorizedKey string) error
	ListKnownHostKeys() ([]model.KnownHostKey, error)

	Close() error
}

// AuditFilter narrows ListAuditRecords. Zero values mean "no restriction".
// Results are newest-first unless Ascending is set.
type AuditFilter struct {
	HostID      string
	OpType      string
	OperationID string
	Since       time.Time
	Until       time.Time
	Limit       int
	Ascending   bool
}
