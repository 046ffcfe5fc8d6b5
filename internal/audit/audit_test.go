// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package audit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toeirei/runmaster/internal/db"
	"github.com/toeirei/runmaster/internal/model"
)

// captureStore is an in-memory Store that records inserts and detects
// concurrent writers.
type captureStore struct {
	mu        sync.Mutex
	records   []model.AuditRecord
	inFlight  int32
	overlap   bool
	failFirst bool
}

func (c *captureStore) InsertAuditRecord(rec *model.AuditRecord) (int64, error) {
	if atomic.AddInt32(&c.inFlight, 1) > 1 {
		c.overlap = true
	}
	time.Sleep(time.Millisecond)
	defer atomic.AddInt32(&c.inFlight, -1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failFirst && len(c.records) == 0 {
		c.failFirst = false
		return 0, errors.New("store unavailable")
	}
	c.records = append(c.records, *rec)
	return int64(len(c.records)), nil
}

func (c *captureStore) ListAuditRecords(db.AuditFilter) ([]model.AuditRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.AuditRecord, len(c.records))
	copy(out, c.records)
	return out, nil
}

func (c *captureStore) GetKnownHostKey(string) (string, error)           { return "", nil }
func (c *captureStore) PinKnownHostKey(string, string, string) error     { return nil }
func (c *captureStore) ListKnownHostKeys() ([]model.KnownHostKey, error) { return nil, nil }
func (c *captureStore) Close() error                                     { return nil }

func (c *captureStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func testRecord(n int) model.AuditRecord {
	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Second)
	return model.AuditRecord{
		OperationID:   fmt.Sprintf("00000000-0000-0000-0000-%012d", n),
		UserID:        "tester",
		HostID:        "vm01",
		OpType:        model.OpExecuteCommand,
		CommandOrPath: fmt.Sprintf("echo %d", n),
		StartedAt:     started,
		EndedAt:       started.Add(time.Second),
		Status:        model.StatusSuccess,
		Attempts:      1,
	}
}

func TestRecorderWritesInOrder(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store)
	for i := 0; i < 5; i++ {
		r.Record(testRecord(i))
	}
	r.Close()

	if store.count() != 5 {
		t.Fatalf("expected 5 records, got %d", store.count())
	}
	for i, rec := range store.records {
		if rec.CommandOrPath != fmt.Sprintf("echo %d", i) {
			t.Fatalf("record %d out of order: %q", i, rec.CommandOrPath)
		}
	}
}

func TestRecorderSingleWriter(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				r.Record(testRecord(g*20 + i))
			}
		}(g)
	}
	wg.Wait()
	r.Close()

	if store.count() != 200 {
		t.Fatalf("expected 200 records, got %d", store.count())
	}
	if store.overlap {
		t.Fatal("store saw concurrent writers; the recorder must serialize")
	}
}

func TestRecorderCloseDrains(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store)
	// More than the channel buffer, so Close has real draining to do.
	for i := 0; i < recordBuffer+50; i++ {
		r.Record(testRecord(i))
	}
	r.Close()

	if got := store.count(); got != recordBuffer+50 {
		t.Fatalf("Close lost records: got %d, want %d", got, recordBuffer+50)
	}
}

func TestRecorderAfterClose(t *testing.T) {
	store := &captureStore{}
	r := NewRecorder(store)
	r.Record(testRecord(0))
	r.Close()

	// Must not panic, and must not grow the store.
	r.Record(testRecord(1))
	if store.count() != 1 {
		t.Fatalf("record after close reached the store: %d", store.count())
	}

	// Closing twice is safe.
	r.Close()
}

func TestRecorderSurvivesStoreFailure(t *testing.T) {
	store := &captureStore{failFirst: true}
	r := NewRecorder(store)
	r.Record(testRecord(0)) // fails in the store
	r.Record(testRecord(1))
	r.Close()

	if store.count() != 1 {
		t.Fatalf("expected the second record to survive, got %d records", store.count())
	}
	if store.records[0].CommandOrPath != "echo 1" {
		t.Fatalf("wrong surviving record: %q", store.records[0].CommandOrPath)
	}
}
