// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package testutil holds small in-memory doubles shared by tests in several
// packages. Nothing here touches the network or a real database.
package testutil

import (
	"sync"

	"github.com/toeirei/runmaster/internal/db"
	"github.com/toeirei/runmaster/internal/model"
)

// CaptureStore is an in-memory db.Store: audit records append to a slice,
// host key pins live in a map. Safe for concurrent use.
type CaptureStore struct {
	// InsertErr, when set, fails every InsertAuditRecord with it.
	InsertErr error

	mu      sync.Mutex
	nextID  int64
	records []model.AuditRecord
	pins    map[string]model.KnownHostKey
}

// NewCaptureStore returns an empty store.
func NewCaptureStore() *CaptureStore {
	return &CaptureStore{pins: make(map[string]model.KnownHostKey)}
}

func (s *CaptureStore) InsertAuditRecord(rec *model.AuditRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return 0, s.InsertErr
	}
	s.nextID++
	rec.ID = s.nextID
	s.records = append(s.records, *rec)
	return s.nextID, nil
}

func (s *CaptureStore) ListAuditRecords(filter db.AuditFilter) ([]model.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditRecord, 0, len(s.records))
	for _, r := range s.records {
		if filter.HostID != "" && r.HostID != filter.HostID {
			continue
		}
		if filter.OpType != "" && r.OpType != filter.OpType {
			continue
		}
		if filter.OperationID != "" && r.OperationID != filter.OperationID {
			continue
		}
		if !filter.Since.IsZero() && r.StartedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && r.StartedAt.After(filter.Until) {
			continue
		}
		out = append(out, r)
	}
	if !filter.Ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *CaptureStore) GetKnownHostKey(hostID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[hostID].AuthorizedKey, nil
}

func (s *CaptureStore) PinKnownHostKey(hostID, algorithm, authorizedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[hostID] = model.KnownHostKey{HostID: hostID, Algorithm: algorithm, AuthorizedKey: authorizedKey}
	return nil
}

func (s *CaptureStore) ListKnownHostKeys() ([]model.KnownHostKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.KnownHostKey, 0, len(s.pins))
	for _, k := range s.pins {
		out = append(out, k)
	}
	return out, nil
}

func (s *CaptureStore) Close() error { return nil }

// Records returns a copy of everything inserted so far, in insert order.
func (s *CaptureStore) Records() []model.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// RecordsOf filters Records by operation type.
func (s *CaptureStore) RecordsOf(opType string) []model.AuditRecord {
	var out []model.AuditRecord
	for _, r := range s.Records() {
		if r.OpType == opType {
			out = append(out, r)
		}
	}
	return out
}
