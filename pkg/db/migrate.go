package db

import (
	"fmt"
	"io/fs"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
	"go.uber.org/zap"
)

func init() {
	migrate.SetTable("schema_migrations")
}

// Migrate applies every pending up migration found in files.
func Migrate(pool *pgxpool.Pool, files fs.FS, logger *zap.Logger) (int, error) {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	source := &migrate.HttpFileSystemMigrationSource{FileSystem: http.FS(files)}

	n, err := migrate.Exec(sqlDB, "postgres", source, migrate.Up)
	if err != nil {
		return n, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if n > 0 {
		logger.Info("database migrations applied", zap.Int("migrations", n))
	}
	return n, nil
}
