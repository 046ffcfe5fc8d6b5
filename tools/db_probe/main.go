// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// db_probe opens a Runmaster database, runs the migrations, and reports what
// it finds. Useful for checking a DSN before pointing a deployment at it.
//
// Usage:
//
//	go run ./tools/db_probe -db-type sqlite -db-dsn ./runmaster.db
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/toeirei/runmaster/internal/db"
)

func main() {
	dbType := flag.String("db-type", "sqlite", "database type (sqlite, postgres, mysql)")
	dbDSN := flag.String("db-dsn", "./runmaster.db", "database connection string")
	flag.Parse()

	store, err := db.NewStoreFromDSN(*dbType, *dbDSN)
	if err != nil {
		log.Fatalf("open %s database: %v", *dbType, err)
	}
	defer store.Close()

	records, err := store.ListAuditRecords(db.AuditFilter{})
	if err != nil {
		log.Fatalf("list audit records: %v", err)
	}
	pins, err := store.ListKnownHostKeys()
	if err != nil {
		log.Fatalf("list known host keys: %v", err)
	}

	fmt.Printf("database:        %s (%s)\n", *dbDSN, *dbType)
	fmt.Printf("audit records:   %d\n", len(records))
	fmt.Printf("pinned host keys: %d\n", len(pins))
	for _, p := range pins {
		fmt.Printf("  %s\n", p)
	}
}
