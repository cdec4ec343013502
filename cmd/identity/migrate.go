package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pairhub/cmd/identity/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate creates schema if needed and applies the embedded migrations into it.
//
// goose runs over database/sql, so a dedicated *sql.DB is opened from the
// pool's connection config with search_path pinned to schema. The goose
// version table lives in the same schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("identity: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if !pgIdentIsValid(schema) {
		return errors.New("identity: invalid schema identifier")
	}

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("identity: create schema: %w", err)
	}

	connCfg := pool.Config().ConnConfig.Copy()
	if connCfg.RuntimeParams == nil {
		connCfg.RuntimeParams = map[string]string{}
	}
	connCfg.RuntimeParams["search_path"] = schema

	db := stdlib.OpenDB(*connCfg)
	defer func() { _ = db.Close() }()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("identity: goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("identity: migrate up: %w", err)
	}
	return nil
}
