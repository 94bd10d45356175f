package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// Slots is the slot registry service. Exactly one slot exists per slot type;
// unconfigured slots are presented as disabled placeholders.
type Slots struct {
	store Store
	log   *slog.Logger
}

// NewSlots builds the slot registry service.
func NewSlots(st Store, log *slog.Logger) *Slots {
	return &Slots{store: st, log: log}
}

// List returns one view per slot type in declaration order, synthesising
// placeholders for slot types that have never been configured.
func (s *Slots) List(ctx context.Context) ([]*SlotView, error) {
	rows, err := s.store.ListSlots(ctx)
	if err != nil {
		return nil, apierr.Internal("failed to list slots")
	}

	byType := make(map[store.SlotType]*store.Slot, len(rows))
	var ids []uuid.UUID
	for _, sl := range rows {
		byType[sl.SlotType] = sl
		ids = append(ids, referencedProviderIDs(sl)...)
	}

	providers, err := s.store.ProvidersByIDs(ctx, ids)
	if err != nil {
		return nil, apierr.Internal("failed to resolve slot providers")
	}

	out := make([]*SlotView, 0, len(store.SlotTypes))
	for _, st := range store.SlotTypes {
		sl, ok := byType[st]
		if !ok {
			out = append(out, placeholderView(st))
			continue
		}
		out = append(out, slotView(sl, providers))
	}
	return out, nil
}

// Get returns the view for one slot type. An unconfigured slot yields the
// disabled placeholder, not a 404.
func (s *Slots) Get(ctx context.Context, slotType store.SlotType) (*SlotView, error) {
	sl, err := s.store.GetSlot(ctx, slotType)
	if errors.Is(err, store.ErrNotFound) {
		return placeholderView(slotType), nil
	}
	if err != nil {
		return nil, apierr.Internal("failed to read slot")
	}

	providers, err := s.store.ProvidersByIDs(ctx, referencedProviderIDs(sl))
	if err != nil {
		return nil, apierr.Internal("failed to resolve slot providers")
	}
	return slotView(sl, providers), nil
}

// Configure upserts a slot binding. Every referenced provider must exist and
// be enabled at this moment; the check does not re-run at invoke time.
func (s *Slots) Configure(ctx context.Context, slotType store.SlotType, in SlotConfigure) (*SlotView, error) {
	if in.PrimaryProviderID == uuid.Nil {
		return nil, apierr.Validation("primary_provider_id is required")
	}
	if in.PrimaryModelID == "" {
		return nil, apierr.Validation("primary_model_id is required")
	}
	for i, ref := range in.FallbackChain {
		if ref.ProviderID == uuid.Nil || ref.ModelID == "" {
			return nil, apierr.Validation(fmt.Sprintf("fallback_chain[%d] needs provider_id and model_id", i))
		}
	}

	sl := &store.Slot{
		SlotType:          slotType,
		PrimaryProviderID: in.PrimaryProviderID,
		PrimaryModelID:    in.PrimaryModelID,
		FallbackChain:     in.FallbackChain,
		IsEnabled:         in.IsEnabled,
		Config:            in.Config,
	}

	ids := referencedProviderIDs(sl)
	providers, err := s.store.ProvidersByIDs(ctx, ids)
	if err != nil {
		return nil, apierr.Internal("failed to resolve slot providers")
	}
	for _, id := range ids {
		p, ok := providers[id]
		if !ok {
			return nil, apierr.ProviderUnreachable(fmt.Sprintf("provider %s does not exist", id))
		}
		if !p.IsEnabled {
			return nil, apierr.ProviderUnreachable(fmt.Sprintf("provider %s is disabled", p.Name))
		}
	}

	if err := s.store.UpsertSlot(ctx, sl); err != nil {
		return nil, apierr.Internal("failed to persist slot")
	}

	s.log.Info("slot configured", "slot_type", slotType,
		"primary_provider_id", sl.PrimaryProviderID, "chain_length", len(sl.FallbackChain),
		"is_enabled", sl.IsEnabled)
	return slotView(sl, providers), nil
}

func referencedProviderIDs(sl *store.Slot) []uuid.UUID {
	ids := make([]uuid.UUID, 0, 1+len(sl.FallbackChain))
	ids = append(ids, sl.PrimaryProviderID)
	for _, ref := range sl.FallbackChain {
		ids = append(ids, ref.ProviderID)
	}
	return ids
}

func placeholderView(st store.SlotType) *SlotView {
	return &SlotView{
		SlotType:      string(st),
		FallbackChain: []FallbackView{},
		IsEnabled:     false,
		Config:        map[string]any{},
	}
}

func slotView(sl *store.Slot, providers map[uuid.UUID]*store.Provider) *SlotView {
	brief := func(id uuid.UUID) *ProviderBrief {
		p, ok := providers[id]
		if !ok {
			return nil
		}
		return &ProviderBrief{ID: p.ID, Name: p.Name, Slug: p.Slug}
	}

	chain := make([]FallbackView, 0, len(sl.FallbackChain))
	for _, ref := range sl.FallbackChain {
		chain = append(chain, FallbackView{Provider: brief(ref.ProviderID), ModelID: ref.ModelID})
	}

	cfg := sl.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	updated := sl.UpdatedAt
	return &SlotView{
		SlotType:        string(sl.SlotType),
		PrimaryProvider: brief(sl.PrimaryProviderID),
		PrimaryModelID:  sl.PrimaryModelID,
		FallbackChain:   chain,
		IsEnabled:       sl.IsEnabled,
		Config:          cfg,
		UpdatedAt:       &updated,
	}
}
