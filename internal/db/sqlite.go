// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// SQLite implementation of the database store.
package db // import "github.com/toeirei/runmaster/internal/db"

import (
	"github.com/uptrace/bun"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/toeirei/runmaster/internal/model"
)

// SqliteStore is the SQLite implementation of the Store interface.
type SqliteStore struct {
	bun *bun.DB
}

// InsertAuditRecord appends one audit record and returns its row ID.
func (s *SqliteStore) InsertAuditRecord(rec *model.AuditRecord) (int64, error) {
	return insertAuditRecordBun(s.bun, rec)
}

// ListAuditRecords returns audit records matching the filter.
func (s *SqliteStore) ListAuditRecords(filter AuditFilter) ([]model.AuditRecord, error) {
	return listAuditRecordsBun(s.bun, filter)
}

// GetKnownHostKey retrieves the pinned public key for a given host.
func (s *SqliteStore) GetKnownHostKey(hostID string) (string, error) {
	return getKnownHostKeyBun(s.bun, hostID)
}

// PinKnownHostKey adds or replaces the trusted key for a host.
func (s *SqliteStore) PinKnownHostKey(hostID, algorithm, authorizedKey string) error {
	return pinKnownHostKeyConflictBun(s.bun, hostID, algorithm, authorizedKey)
}

// ListKnownHostKeys returns every pinned host key.
func (s *SqliteStore) ListKnownHostKeys() ([]model.KnownHostKey, error) {
	return listKnownHostKeysBun(s.bun)
}

// Close releases the underlying database handle.
func (s *SqliteStore) Close() error {
	return s.bun.Close()
}
