package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	"payswap-backend/internal/config"

	_ "github.com/lib/pq"
)

// uniqueIndexes are the constraints replayed webhooks and concurrent
// enqueues rely on.
var uniqueIndexes = []struct {
	table  string
	column string
}{
	{"payments", "external_transaction_id"},
	{"payments", "tx_hash"},
	{"receipts", "payment_id"},
	{"receipts", "receipt_public_id"},
	{"swap_jobs", "payment_id"},
}

func main() {
	fmt.Println("🔍 Verifying idempotency constraints...")

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if config.AppConfig.Database.Driver == "sqlite" {
		log.Fatalf("verify-schema only supports postgres")
	}

	sqlDB, err := sql.Open("postgres", config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	missing := 0
	for _, idx := range uniqueIndexes {
		var count int
		err := sqlDB.QueryRow(`
			SELECT COUNT(*)
			FROM pg_index i
			JOIN pg_class t ON t.oid = i.indrelid
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(i.indkey)
			WHERE t.relname = $1
			AND a.attname = $2
			AND i.indisunique
			AND i.indnatts = 1
		`, idx.table, idx.column).Scan(&count)
		if err != nil {
			log.Fatalf("Failed to inspect %s.%s: %v", idx.table, idx.column, err)
		}
		if count == 0 {
			missing++
			fmt.Printf("  ❌ %s.%s has no unique index\n", idx.table, idx.column)
			continue
		}
		fmt.Printf("  ✅ %s.%s is unique\n", idx.table, idx.column)
	}

	if missing > 0 {
		fmt.Printf("\n❌ %d constraint(s) missing, run the server once to migrate\n", missing)
		os.Exit(1)
	}
	fmt.Println("\n✅ All idempotency constraints present")
}
