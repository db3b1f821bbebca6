package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory SQLite database.
const MemoryPath = ":memory:"

// openSQLite opens a SQLite database connection.
// Uses modernc.org/sqlite for pure Go implementation (no CGO required).
func openSQLite(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./kestrel.db"
	}

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}

// sqliteDSN builds a connection string with pragmas for a read-heavy workload.
func sqliteDSN(path string) string {
	pragmas := []string{
		"busy_timeout(5000)",
		"foreign_keys(ON)",
	}
	if path != MemoryPath {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}

	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}
