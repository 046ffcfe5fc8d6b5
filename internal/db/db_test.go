// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/toeirei/runmaster/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStoreFromDSN("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("NewStoreFromDSN failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStoreFromDSNUnsupportedType(t *testing.T) {
	if _, err := NewStoreFromDSN("oracle", "dsn"); err == nil {
		t.Fatal("expected error for unsupported db type")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "runmaster.db")

	s1, err := NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := s1.InsertAuditRecord(sampleRecord("vm01", model.OpExecuteCommand, time.Now())); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Re-opening must re-apply nothing and keep existing data.
	s2, err := NewStoreFromDSN("sqlite", dsn)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer func() { _ = s2.Close() }()

	recs, err := s2.ListAuditRecords(AuditFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 surviving record, got %d", len(recs))
	}
}

func sampleRecord(hostID, opType string, started time.Time) *model.AuditRecord {
	return &model.AuditRecord{
		OperationID:   "op-" + hostID + "-" + started.UTC().Format("150405"),
		UserID:        "tester",
		HostID:        hostID,
		OpType:        opType,
		CommandOrPath: "uptime",
		StartedAt:     started.UTC(),
		EndedAt:       started.UTC().Add(time.Second),
		Status:        model.StatusSuccess,
		Attempts:      1,
	}
}

func TestInsertAndListAuditRecords(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	fixtures := []*model.AuditRecord{
		sampleRecord("vm01", model.OpExecuteCommand, base),
		sampleRecord("vm02", model.OpExecuteCommand, base.Add(1*time.Minute)),
		sampleRecord("vm01", model.OpUploadFile, base.Add(2*time.Minute)),
	}
	for _, rec := range fixtures {
		id, err := s.InsertAuditRecord(rec)
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if id == 0 {
			t.Fatal("insert returned zero row id")
		}
	}

	all, err := s.ListAuditRecords(AuditFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	// Newest first by default.
	if all[0].OpType != model.OpUploadFile {
		t.Errorf("expected newest record first, got %s", all[0].OpType)
	}
	if all[0].UserID != "tester" || all[0].Status != model.StatusSuccess {
		t.Errorf("record fields lost in round-trip: %+v", all[0])
	}

	asc, err := s.ListAuditRecords(AuditFilter{Ascending: true})
	if err != nil {
		t.Fatalf("ascending list failed: %v", err)
	}
	if asc[0].OpType != model.OpExecuteCommand || !asc[0].StartedAt.Equal(base) {
		t.Errorf("ascending order wrong: %+v", asc[0])
	}
}

func TestListAuditRecordsFilters(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	_, _ = s.InsertAuditRecord(sampleRecord("vm01", model.OpExecuteCommand, base))
	_, _ = s.InsertAuditRecord(sampleRecord("vm02", model.OpExecuteCommand, base.Add(time.Minute)))
	_, _ = s.InsertAuditRecord(sampleRecord("vm01", model.OpUploadFile, base.Add(2*time.Minute)))

	tests := []struct {
		name   string
		filter AuditFilter
		want   int
	}{
		{"by host", AuditFilter{HostID: "vm01"}, 2},
		{"by op type", AuditFilter{OpType: model.OpUploadFile}, 1},
		{"by host and op", AuditFilter{HostID: "vm01", OpType: model.OpExecuteCommand}, 1},
		{"since", AuditFilter{Since: base.Add(30 * time.Second)}, 2},
		{"until", AuditFilter{Until: base.Add(30 * time.Second)}, 1},
		{"window", AuditFilter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)}, 1},
		{"limit", AuditFilter{Limit: 2}, 2},
		{"no match", AuditFilter{HostID: "ghost"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListAuditRecords(tt.filter)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d records, got %d", tt.want, len(got))
			}
		})
	}
}

func TestListAuditRecordsByOperationID(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	rec := sampleRecord("vm01", model.OpDownloadFile, base)
	rec.OperationID = "11111111-2222-3333-4444-555555555555"
	if _, err := s.InsertAuditRecord(rec); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	_, _ = s.InsertAuditRecord(sampleRecord("vm01", model.OpExecuteCommand, base.Add(time.Minute)))

	got, err := s.ListAuditRecords(AuditFilter{OperationID: rec.OperationID})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 1 || got[0].OpType != model.OpDownloadFile {
		t.Fatalf("operation_id filter broken: %+v", got)
	}
}

func TestKnownHostKeys(t *testing.T) {
	s := newTestStore(t)

	// Absence is a state, not an error.
	key, err := s.GetKnownHostKey("vm01")
	if err != nil {
		t.Fatalf("get on empty store failed: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}

	first := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIFirst vm01"
	if err := s.PinKnownHostKey("vm01", "ssh-ed25519", first); err != nil {
		t.Fatalf("pin failed: %v", err)
	}
	key, err = s.GetKnownHostKey("vm01")
	if err != nil || key != first {
		t.Fatalf("expected pinned key back, got %q, err %v", key, err)
	}

	// Re-pinning replaces the key (host re-provisioned).
	second := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAISecond vm01"
	if err := s.PinKnownHostKey("vm01", "ssh-ed25519", second); err != nil {
		t.Fatalf("re-pin failed: %v", err)
	}
	key, _ = s.GetKnownHostKey("vm01")
	if key != second {
		t.Fatalf("re-pin did not replace key, got %q", key)
	}

	if err := s.PinKnownHostKey("vm02", "ssh-ed25519", "ssh-ed25519 AAAA vm02"); err != nil {
		t.Fatalf("second pin failed: %v", err)
	}
	pins, err := s.ListKnownHostKeys()
	if err != nil {
		t.Fatalf("list pins failed: %v", err)
	}
	if len(pins) != 2 || pins[0].HostID != "vm01" || pins[1].HostID != "vm02" {
		t.Fatalf("unexpected pin listing: %+v", pins)
	}
	if pins[0].AddedAt.IsZero() {
		t.Error("pin timestamp missing")
	}
}
