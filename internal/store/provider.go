package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const providerColumns = `id, name, slug, provider_type, base_url, api_key_encrypted, is_enabled, config, created_at, updated_at`

// CreateProvider inserts a provider and fills in the generated id and
// timestamps. A uniqueness violation on name or slug is returned as
// *ConflictError.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return fmt.Errorf("store: encode config: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO llm.providers (name, slug, provider_type, base_url, api_key_encrypted, is_enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Slug, p.ProviderType, p.BaseURL, p.APIKeyEncrypted, p.IsEnabled, cfg,
	)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return translateError(err)
	}
	return nil
}

// GetProvider fetches one provider by id.
func (s *Store) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM llm.providers WHERE id = $1`, id)
	return scanProvider(row)
}

// ListProviders returns one page ordered by created_at descending, plus the
// total row count.
func (s *Store) ListProviders(ctx context.Context, page, pageSize int) ([]*Provider, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM llm.providers`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count providers: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+providerColumns+`
		FROM llm.providers
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`,
		pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// UpdateProvider writes the full mutable column set of the row identified by
// p.ID and refreshes updated_at. Partial-update semantics are the service's
// concern: it loads the row, applies the changed fields, and calls this.
func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	cfg, err := marshalJSON(p.Config)
	if err != nil {
		return fmt.Errorf("store: encode config: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE llm.providers
		SET name = $2, slug = $3, provider_type = $4, base_url = $5,
		    api_key_encrypted = $6, is_enabled = $7, config = $8, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Name, p.Slug, p.ProviderType, p.BaseURL, p.APIKeyEncrypted, p.IsEnabled, cfg,
	)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteProvider hard-deletes a provider row. Slot references are checked by
// the service first; FK RESTRICT on model_slots remains the last line of
// defence under concurrent slot edits.
func (s *Store) DeleteProvider(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM llm.providers WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProvidersByIDs fetches a batch of providers keyed by id. Missing ids are
// simply absent from the result map.
func (s *Store) ProvidersByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Provider, error) {
	out := make(map[uuid.UUID]*Provider, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+providerColumns+` FROM llm.providers WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: providers by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// scanProvider reads one provider row from either a Row or Rows.
func scanProvider(row pgx.Row) (*Provider, error) {
	var (
		p      Provider
		rawCfg []byte
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Slug, &p.ProviderType, &p.BaseURL,
		&p.APIKeyEncrypted, &p.IsEnabled, &rawCfg, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan provider: %w", err)
	}
	if err := unmarshalJSON(rawCfg, &p.Config); err != nil {
		return nil, fmt.Errorf("store: decode provider config: %w", err)
	}
	return &p, nil
}

// translateError maps pg errors onto the store's sentinel types.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &ConflictError{Constraint: pgErr.ConstraintName}
	}
	return fmt.Errorf("store: %w", err)
}

func marshalJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(raw []byte, out *map[string]any) error {
	if len(raw) == 0 {
		*out = map[string]any{}
		return nil
	}
	return json.Unmarshal(raw, out)
}
