package database

import (
	"context"
	_ "embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"graphrunner/internal/config"
)

//go:embed schema.sql
var schema string

func New(conf *config.GRConfig) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// Migrate creates the `graph` schema objects if they do not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
