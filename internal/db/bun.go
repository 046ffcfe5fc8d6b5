// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Bun table mappings and the query helpers shared by all dialect stores.
package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"github.com/toeirei/runmaster/internal/model"
)

type auditRecordModel struct {
	bun.BaseModel `bun:"table:audit_records"`
	ID            int64     `bun:"id,pk,autoincrement"`
	OperationID   string    `bun:"operation_id,notnull"`
	UserID        string    `bun:"user_id,notnull"`
	HostID        string    `bun:"host_id,notnull"`
	OpType        string    `bun:"op_type,notnull"`
	CommandOrPath string    `bun:"command_or_path"`
	StartedAt     time.Time `bun:"started_at,notnull"`
	EndedAt       time.Time `bun:"ended_at,notnull"`
	Status        string    `bun:"status,notnull"`
	ErrorKind     string    `bun:"error_kind"`
	Attempts      int       `bun:"attempts,notnull"`
}

type knownHostKeyModel struct {
	bun.BaseModel `bun:"table:known_host_keys"`
	HostID        string    `bun:"host_id,pk"`
	Algorithm     string    `bun:"algorithm,notnull"`
	AuthorizedKey string    `bun:"authorized_key,notnull"`
	AddedAt       time.Time `bun:"added_at,notnull"`
}

func auditModelToRecord(m auditRecordModel) model.AuditRecord {
	return model.AuditRecord{
		ID:            m.ID,
		OperationID:   m.OperationID,
		UserID:        m.UserID,
		HostID:        m.HostID,
		OpType:        m.OpType,
		CommandOrPath: m.CommandOrPath,
		StartedAt:     m.StartedAt,
		EndedAt:       m.EndedAt,
		Status:        m.Status,
		ErrorKind:     m.ErrorKind,
		Attempts:      m.Attempts,
	}
}

// insertAuditRecordBun appends one audit record and returns its row ID.
// This is the only write path for audit_records.
func insertAuditRecordBun(bdb *bun.DB, rec *model.AuditRecord) (int64, error) {
	ctx := context.Background()
	m := auditRecordModel{
		OperationID:   rec.OperationID,
		UserID:        rec.UserID,
		HostID:        rec.HostID,
		OpType:        rec.OpType,
		CommandOrPath: rec.CommandOrPath,
		StartedAt:     rec.StartedAt,
		EndedAt:       rec.EndedAt,
		Status:        rec.Status,
		ErrorKind:     rec.ErrorKind,
		Attempts:      rec.Attempts,
	}
	if _, err := bdb.NewInsert().Model(&m).Exec(ctx); err != nil {
		return 0, MapDBError(err)
	}
	return m.ID, nil
}

func listAuditRecordsBun(bdb *bun.DB, filter AuditFilter) ([]model.AuditRecord, error) {
	ctx := context.Background()

	var ms []auditRecordModel
	q := bdb.NewSelect().Model(&ms)
	if filter.HostID != "" {
		q = q.Where("host_id = ?", filter.HostID)
	}
	if filter.OpType != "" {
		q = q.Where("op_type = ?", filter.OpType)
	}
	if filter.OperationID != "" {
		q = q.Where("operation_id = ?", filter.OperationID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("started_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("started_at < ?", filter.Until)
	}
	if filter.Ascending {
		q = q.OrderExpr("started_at ASC, id ASC")
	} else {
		q = q.OrderExpr("started_at DESC, id DESC")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	out := make([]model.AuditRecord, 0, len(ms))
	for _, m := range ms {
		out = append(out, auditModelToRecord(m))
	}
	return out, nil
}

// getKnownHostKeyBun returns the pinned key for hostID, or "" when the host
// has never been trusted. Absence is a state, not an error.
func getKnownHostKeyBun(bdb *bun.DB, hostID string) (string, error) {
	ctx := context.Background()

	var m knownHostKeyModel
	err := bdb.NewSelect().Model(&m).Where("host_id = ?", hostID).Limit(1).Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return m.AuthorizedKey, nil
}

func listKnownHostKeysBun(bdb *bun.DB) ([]model.KnownHostKey, error) {
	ctx := context.Background()

	var ms []knownHostKeyModel
	if err := bdb.NewSelect().Model(&ms).OrderExpr("host_id ASC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]model.KnownHostKey, 0, len(ms))
	for _, m := range ms {
		out = append(out, model.KnownHostKey{
			HostID:        m.HostID,
			Algorithm:     m.Algorithm,
			AuthorizedKey: m.AuthorizedKey,
			AddedAt:       m.AddedAt,
		})
	}
	return out, nil
}

// pinKnownHostKeyConflictBun upserts a pin using ON CONFLICT, which both
// SQLite and Postgres understand. Re-pinning supports legitimately
// re-provisioned hosts.
func pinKnownHostKeyConflictBun(bdb *bun.DB, hostID, algorithm, authorizedKey string) error {
	ctx := context.Background()
	m := knownHostKeyModel{
		HostID:        hostID,
		Algorithm:     algorithm,
		AuthorizedKey: authorizedKey,
		AddedAt:       time.Now().UTC(),
	}
	_, err := bdb.NewInsert().Model(&m).
		On("CONFLICT (host_id) DO UPDATE").
		Set("algorithm = EXCLUDED.algorithm").
		Set("authorized_key = EXCLUDED.authorized_key").
		Set("added_at = EXCLUDED.added_at").
		Exec(ctx)
	return MapDBError(err)
}
