// Package store persists providers and model slots in Postgres.
//
// All state lives in two tables under the llm schema. The fallback chain is
// stored as a jsonb array of {provider_id, model_id} objects and parsed into
// a typed slice at read time; referential integrity of chain entries is
// enforced at the service layer, while primary_provider_id relies on
// FK RESTRICT as the ultimate guard.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection with a ping.
// maxConns bounds the pool; pass 0 to keep the pgx default.
func New(ctx context.Context, databaseURL string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping reports database reachability; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS llm;

CREATE TABLE IF NOT EXISTS llm.providers (
	id                uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	name              varchar(100) NOT NULL,
	slug              varchar(50) NOT NULL,
	provider_type     varchar(50) NOT NULL,
	base_url          varchar(500),
	api_key_encrypted text NOT NULL,
	is_enabled        boolean NOT NULL DEFAULT true,
	config            jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at        timestamptz NOT NULL DEFAULT now(),
	updated_at        timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT providers_name_key UNIQUE (name),
	CONSTRAINT providers_slug_key UNIQUE (slug)
);

CREATE TABLE IF NOT EXISTS llm.model_slots (
	id                  uuid PRIMARY KEY DEFAULT gen_random_uuid(),
	slot_type           varchar(20) NOT NULL,
	primary_provider_id uuid NOT NULL REFERENCES llm.providers(id) ON DELETE RESTRICT,
	primary_model_id    varchar(200) NOT NULL,
	fallback_chain      jsonb NOT NULL DEFAULT '[]'::jsonb,
	is_enabled          boolean NOT NULL DEFAULT true,
	config              jsonb NOT NULL DEFAULT '{}'::jsonb,
	created_at          timestamptz NOT NULL DEFAULT now(),
	updated_at          timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT model_slots_slot_type_key UNIQUE (slot_type)
);
`

// Migrate applies the schema. Statements are idempotent so Migrate is safe to
// run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
