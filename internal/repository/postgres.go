package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	_ "github.com/lib/pq"
)

// openPostgres opens a PostgreSQL database connection.
func openPostgres(ctx context.Context, cfg domain.RepositoryConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", postgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}

// postgresDSN builds a keyword/value connection string, applying defaults.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}

	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "kestrel"
	}

	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	parts := []string{
		"host=" + quoteDSN(host),
		fmt.Sprintf("port=%d", port),
		"dbname=" + quoteDSN(dbname),
		"sslmode=" + quoteDSN(sslmode),
	}
	if cfg.PostgresUser != "" {
		parts = append(parts, "user="+quoteDSN(cfg.PostgresUser))
	}
	if cfg.PostgresPassword != "" {
		parts = append(parts, "password="+quoteDSN(cfg.PostgresPassword))
	}
	return strings.Join(parts, " ")
}

// quoteDSN quotes a value for a libpq keyword/value string when needed.
func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
