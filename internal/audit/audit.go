// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// Package audit implements the append-only audit trail. Records flow through
// a buffered channel into a single writer goroutine, so any number of
// concurrent operations can record without coordinating, and rows reach the
// store in a single stream. Records are never mutated or deleted, and must
// never contain secret material.
package audit

import (
	"sync"

	"go.uber.org/zap"

	"github.com/toeirei/runmaster/internal/db"
	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
)

const recordBuffer = 256

// Recorder accepts audit records and persists them through the store.
// A zap mirror emits one structured line per record so the audit trail is
// visible in the live logs as well.
type Recorder struct {
	store db.Store

	mu     sync.RWMutex
	closed bool
	ch     chan model.AuditRecord
	done   chan struct{}
}

// NewRecorder starts the writer goroutine. Callers must Close the recorder
// to flush buffered records before shutdown.
func NewRecorder(store db.Store) *Recorder {
	r := &Recorder{
		store: store,
		ch:    make(chan model.AuditRecord, recordBuffer),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues one audit record. It blocks when the buffer is full rather
// than dropping; the audit trail is not best-effort. Records arriving after
// Close are logged loudly instead of being lost silently.
func (r *Recorder) Record(rec model.AuditRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		logging.Error("audit record after close", auditFields(rec)...)
		return
	}
	r.ch <- rec
}

// Close drains buffered records and stops the writer. Safe to call once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	for rec := range r.ch {
		if _, err := r.store.InsertAuditRecord(&rec); err != nil {
			// A failed write must never vanish: the record content goes to
			// the error log in full.
			logging.Error("audit write failed", append(auditFields(rec), zap.Error(err))...)
			continue
		}
		logging.Info("audit", auditFields(rec)...)
	}
	close(r.done)
}

func auditFields(rec model.AuditRecord) []zap.Field {
	fields := []zap.Field{
		zap.String("operation_id", rec.OperationID),
		zap.String("user_id", rec.UserID),
		zap.String("host_id", rec.HostID),
		zap.String("op_type", rec.OpType),
		zap.String("command_or_path", rec.CommandOrPath),
		zap.Time("started_at", rec.StartedAt),
		zap.Time("ended_at", rec.EndedAt),
		zap.String("status", rec.Status),
		zap.Int("attempts", rec.Attempts),
	}
	if rec.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", rec.ErrorKind))
	}
	return fields
}
