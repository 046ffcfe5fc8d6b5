// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// MySQL implementation of the database store.
package db // import "github.com/toeirei/runmaster/internal/db"

import (
	"context"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL database/sql driver
	"github.com/uptrace/bun"

	"github.com/toeirei/runmaster/internal/model"
)

// MySQLStore is the MySQL implementation of the Store interface.
type MySQLStore struct {
	bun *bun.DB
}

// InsertAuditRecord appends one audit record and returns its row ID.
func (s *MySQLStore) InsertAuditRecord(rec *model.AuditRecord) (int64, error) {
	return insertAuditRecordBun(s.bun, rec)
}

// ListAuditRecords returns audit records matching the filter.
func (s *MySQLStore) ListAuditRecords(filter AuditFilter) ([]model.AuditRecord, error) {
	return listAuditRecordsBun(s.bun, filter)
}

// GetKnownHostKey retrieves the pinned public key for a given host.
func (s *MySQLStore) GetKnownHostKey(hostID string) (string, error) {
	return getKnownHostKeyBun(s.bun, hostID)
}

// PinKnownHostKey adds or replaces the trusted key for a host. MySQL has no
// ON CONFLICT; use ON DUPLICATE KEY UPDATE instead.
func (s *MySQLStore) PinKnownHostKey(hostID, algorithm, authorizedKey string) error {
	ctx := context.Background()
	m := knownHostKeyModel{
		HostID:        hostID,
		Algorithm:     algorithm,
		AuthorizedKey: authorizedKey,
		AddedAt:       time.Now().UTC(),
	}
	_, err := s.bun.NewInsert().Model(&m).
		On("DUPLICATE KEY UPDATE").
		Set("algorithm = VALUES(algorithm)").
		Set("authorized_key = VALUES(authorized_key)").
		Set("added_at = VALUES(added_at)").
		Exec(ctx)
	return MapDBError(err)
}

// ListKnownHostKeys returns every pinned host key.
func (s *MySQLStore) ListKnownHostKeys() ([]model.KnownHostKey, error) {
	return listKnownHostKeysBun(s.bun)
}

// Close releases the underlying database handle.
func (s *MySQLStore) Close() error {
	return s.bun.Close()
}
