package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const slotColumns = `id, slot_type, primary_provider_id, primary_model_id, fallback_chain, is_enabled, config, created_at, updated_at`

// GetSlot fetches the slot row for one slot type. ErrNotFound means the slot
// has never been configured; callers synthesise a disabled placeholder.
func (s *Store) GetSlot(ctx context.Context, slotType SlotType) (*Slot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+slotColumns+` FROM llm.model_slots WHERE slot_type = $1`, string(slotType))
	return scanSlot(row)
}

// ListSlots returns every configured slot row.
func (s *Store) ListSlots(ctx context.Context) ([]*Slot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+slotColumns+` FROM llm.model_slots ORDER BY slot_type`)
	if err != nil {
		return nil, fmt.Errorf("store: list slots: %w", err)
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// UpsertSlot configures a slot. The row is keyed by slot_type, so repeated
// configuration of the same slot replaces the previous binding in place.
func (s *Store) UpsertSlot(ctx context.Context, sl *Slot) error {
	chain, err := marshalChain(sl.FallbackChain)
	if err != nil {
		return fmt.Errorf("store: encode fallback chain: %w", err)
	}
	cfg, err := marshalJSON(sl.Config)
	if err != nil {
		return fmt.Errorf("store: encode config: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO llm.model_slots (slot_type, primary_provider_id, primary_model_id, fallback_chain, is_enabled, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slot_type) DO UPDATE
		SET primary_provider_id = EXCLUDED.primary_provider_id,
		    primary_model_id    = EXCLUDED.primary_model_id,
		    fallback_chain      = EXCLUDED.fallback_chain,
		    is_enabled          = EXCLUDED.is_enabled,
		    config              = EXCLUDED.config,
		    updated_at          = now()
		RETURNING id, created_at, updated_at`,
		string(sl.SlotType), sl.PrimaryProviderID, sl.PrimaryModelID, chain, sl.IsEnabled, cfg,
	)
	if err := row.Scan(&sl.ID, &sl.CreatedAt, &sl.UpdatedAt); err != nil {
		return translateError(err)
	}
	return nil
}

// SlotsReferencingProvider returns the slot types that reference the given
// provider as primary or anywhere in their fallback chain. Used to guard
// provider deletion.
func (s *Store) SlotsReferencingProvider(ctx context.Context, providerID uuid.UUID) ([]SlotType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT slot_type FROM llm.model_slots
		WHERE primary_provider_id = $1
		   OR fallback_chain @> $2::jsonb
		ORDER BY slot_type`,
		providerID, fmt.Sprintf(`[{"provider_id": %q}]`, providerID.String()),
	)
	if err != nil {
		return nil, fmt.Errorf("store: referencing slots: %w", err)
	}
	defer rows.Close()

	var out []SlotType
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("store: scan slot type: %w", err)
		}
		out = append(out, SlotType(st))
	}
	return out, rows.Err()
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var (
		sl       Slot
		rawChain []byte
		rawCfg   []byte
		slotType string
	)
	err := row.Scan(
		&sl.ID, &slotType, &sl.PrimaryProviderID, &sl.PrimaryModelID,
		&rawChain, &sl.IsEnabled, &rawCfg, &sl.CreatedAt, &sl.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan slot: %w", err)
	}
	sl.SlotType = SlotType(slotType)

	if len(rawChain) > 0 {
		if err := json.Unmarshal(rawChain, &sl.FallbackChain); err != nil {
			return nil, fmt.Errorf("store: decode fallback chain: %w", err)
		}
	}
	if err := unmarshalJSON(rawCfg, &sl.Config); err != nil {
		return nil, fmt.Errorf("store: decode slot config: %w", err)
	}
	return &sl, nil
}

func marshalChain(chain []FallbackRef) (string, error) {
	if chain == nil {
		return "[]", nil
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
