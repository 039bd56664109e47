// Package schema applies the declarative Postgres schema (SPEC_FULL.md
// §4.2) through an idempotent, checksum-verified migration runner.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/workcoord/pkg/log"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Runner applies Migrations against a schema, tracking progress in a
// __migrations table within that same schema.
type Runner struct {
	pool   *pgxpool.Pool
	schema string
	logger zerolog.Logger
}

// New builds a Runner targeting the given schema name (e.g. "public").
func New(pool *pgxpool.Pool, schemaName string) *Runner {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Runner{
		pool:   pool,
		schema: schemaName,
		logger: log.WithComponent("schema"),
	}
}

func checksum(sql string) string {
	sum := sha256.Sum256([]byte(sql))
	return hex.EncodeToString(sum[:])
}

func (r *Runner) resolve(sql string) string {
	return strings.ReplaceAll(sql, "__SCHEMA__", r.schema)
}

// Migrate ensures the tracking table exists, verifies the checksum of
// every already-applied migration, and applies anything new in version
// order, one transaction per migration. It fails loudly, without
// applying anything further, on the first checksum mismatch: an
// already-applied migration's committed SQL must never silently drift
// from what is declared here.
func (r *Runner) Migrate(ctx context.Context) error {
	if err := r.ensureTrackingTable(ctx); err != nil {
		return fmt.Errorf("schema: ensure tracking table: %w", err)
	}

	applied, err := r.appliedChecksums(ctx)
	if err != nil {
		return fmt.Errorf("schema: load applied migrations: %w", err)
	}

	ordered := append([]Migration(nil), Migrations...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		sum := checksum(m.SQL)
		if prior, ok := applied[m.Version]; ok {
			if prior != sum {
				return fmt.Errorf("schema: migration %d (%s) checksum mismatch: recorded %s, declared %s",
					m.Version, m.Name, prior, sum)
			}
			continue
		}

		if err := r.apply(ctx, m, sum); err != nil {
			return fmt.Errorf("schema: apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		r.logger.Info().Int("version", m.Version).Str("name", m.Name).Msg("migration applied")
	}
	return nil
}

func (r *Runner) ensureTrackingTable(ctx context.Context) error {
	ddl := r.resolve(`
CREATE SCHEMA IF NOT EXISTS __SCHEMA__;
CREATE TABLE IF NOT EXISTS __SCHEMA__.__migrations (
    version    integer PRIMARY KEY,
    name       text NOT NULL,
    checksum   text NOT NULL,
    applied_at timestamptz NOT NULL DEFAULT now()
);
`)
	_, err := r.pool.Exec(ctx, ddl)
	return err
}

func (r *Runner) appliedChecksums(ctx context.Context) (map[int]string, error) {
	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		"SELECT version, checksum FROM %s.__migrations", r.schema))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int]string)
	for rows.Next() {
		var version int
		var sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, err
		}
		out[version] = sum
	}
	return out, rows.Err()
}

func (r *Runner) apply(ctx context.Context, m Migration, sum string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, r.resolve(m.SQL)); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s.__migrations (version, name, checksum) VALUES ($1, $2, $3)", r.schema),
		m.Version, m.Name, sum,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Status reports applied migration versions, for the migration CLI's
// dry-run/inspection mode.
func (r *Runner) Status(ctx context.Context) (map[int]string, error) {
	if err := r.ensureTrackingTable(ctx); err != nil {
		return nil, err
	}
	return r.appliedChecksums(ctx)
}
