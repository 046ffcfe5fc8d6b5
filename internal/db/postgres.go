// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// PostgreSQL implementation of the database store.
package db // import "github.com/toeirei/runmaster/internal/db"

import (
	"github.com/uptrace/bun"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	"github.com/toeirei/runmaster/internal/model"
)

// PostgresStore is the PostgreSQL implementation of the Store interface.
type PostgresStore struct {
	bun *bun.DB
}

// InsertAuditRecord appends one audit record and returns its row ID.
func (s *PostgresStore) InsertAuditRecord(rec *model.AuditRecord) (int64, error) {
	return insertAuditRecordBun(s.bun, rec)
}

// ListAuditRecords returns audit records matching the filter.
func (s *PostgresStore) ListAuditRecords(filter AuditFilter) ([]model.AuditRecord, error) {
	return listAuditRecordsBun(s.bun, filter)
}

// GetKnownHostKey retrieves the pinned public key for a given host.
func (s *PostgresStore) GetKnownHostKey(hostID string) (string, error) {
	return getKnownHostKeyBun(s.bun, hostID)
}

// PinKnownHostKey adds or replaces the trusted key for a host using
// Postgres's ON CONFLICT upsert.
func (s *PostgresStore) PinKnownHostKey(hostID, algorithm, authorizedKey string) error {
	return pinKnownHostKeyConflictBun(s.bun, hostID, algorithm, authorizedKey)
}

// ListKnownHostKeys returns every pinned host key.
func (s *PostgresStore) ListKnownHostKeys() ([]model.KnownHostKey, error) {
	return listKnownHostKeysBun(s.bun)
}

// Close releases the underlying database handle.
func (s *PostgresStore) Close() error {
	return s.bun.Close()
}
