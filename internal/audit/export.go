// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/toeirei/runmaster/internal/db"
	"github.com/toeirei/runmaster/internal/model"
)

// Export writes audit records since the given time as zstd-compressed JSONL
// (one record per line, oldest first), the format log shippers ingest.
// It returns the number of exported records.
func Export(w io.Writer, store db.Store, since time.Time) (int, error) {
	recs, err := store.ListAuditRecords(db.AuditFilter{Since: since, Ascending: true})
	if err != nil {
		return 0, fmt.Errorf("could not read audit records: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("could not create zstd writer: %w", err)
	}

	enc := json.NewEncoder(zw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			_ = zw.Close()
			return 0, fmt.Errorf("could not encode audit record %d: %w", rec.ID, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("could not finish zstd stream: %w", err)
	}
	return len(recs), nil
}

// ReadExport decodes a zstd-compressed JSONL export, the inverse of Export.
// Used by tooling that inspects shipped archives.
func ReadExport(r io.Reader) ([]model.AuditRecord, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create zstd reader: %w", err)
	}
	defer zr.Close()

	var out []model.AuditRecord
	dec := json.NewDecoder(zr)
	for {
		var rec model.AuditRecord
		if err := dec.Decode(&rec); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("could not decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
