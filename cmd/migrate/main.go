package main

import (
	"context"

	"go.uber.org/zap"

	"mailpulse/config"
	"mailpulse/migrations"
	"mailpulse/pkg/db"
	"mailpulse/pkg/logger"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	pool, err := db.NewConnection(context.Background(), cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer pool.Close()

	n, err := db.Migrate(pool, migrations.Files, log)
	if err != nil {
		log.Fatal("Migration failed", zap.Error(err))
	}
	log.Info("Migrations done", zap.Int("applied", n))
}
