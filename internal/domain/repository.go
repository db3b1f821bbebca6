// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	HistoryStore

	// Verdict records
	SaveVerdict(ctx context.Context, v *Verdict) error
	GetVerdict(ctx context.Context, id string) (*Verdict, error)

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host"`
	PostgresPort     int    `koanf:"postgres_port"`
	PostgresUser     string `koanf:"postgres_user"`
	PostgresPassword string `koanf:"postgres_password"`
	PostgresDB       string `koanf:"postgres_db"`
	PostgresSSLMode  string `koanf:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`

	// SaveVerdicts persists every verdict record.
	SaveVerdicts bool `koanf:"save_verdicts"`
}
