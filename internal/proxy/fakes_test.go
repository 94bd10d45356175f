package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
)

// fakeStore is an in-memory gateway.Store for HTTP-level tests.
type fakeStore struct {
	providers map[uuid.UUID]*store.Provider
	slots     map[store.SlotType]*store.Slot
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		providers: map[uuid.UUID]*store.Provider{},
		slots:     map[store.SlotType]*store.Slot{},
	}
}

func (f *fakeStore) addProvider(name string, enabled bool, v *vault.Vault, t *testing.T) *store.Provider {
	t.Helper()
	ct, err := v.Encrypt("sk-" + name)
	if err != nil {
		t.Fatal(err)
	}
	base := "https://" + name + ".example.com/v1"
	p := &store.Provider{
		ID:              uuid.New(),
		Name:            name,
		Slug:            name,
		ProviderType:    "openai",
		BaseURL:         &base,
		APIKeyEncrypted: ct,
		IsEnabled:       enabled,
		Config:          map[string]any{},
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	f.providers[p.ID] = p
	return p
}

func (f *fakeStore) CreateProvider(_ context.Context, p *store.Provider) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	f.providers[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetProvider(_ context.Context, id uuid.UUID) (*store.Provider, error) {
	p, ok := f.providers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListProviders(_ context.Context, page, pageSize int) ([]*store.Provider, int, error) {
	var out []*store.Provider
	for _, p := range f.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, len(f.providers), nil
}

func (f *fakeStore) UpdateProvider(_ context.Context, p *store.Provider) error {
	if _, ok := f.providers[p.ID]; !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	cp := *p
	f.providers[p.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteProvider(_ context.Context, id uuid.UUID) error {
	if _, ok := f.providers[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.providers, id)
	return nil
}

func (f *fakeStore) ProvidersByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*store.Provider, error) {
	out := map[uuid.UUID]*store.Provider{}
	for _, id := range ids {
		if p, ok := f.providers[id]; ok {
			cp := *p
			out[id] = &cp
		}
	}
	return out, nil
}

func (f *fakeStore) GetSlot(_ context.Context, st store.SlotType) (*store.Slot, error) {
	sl, ok := f.slots[st]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sl
	return &cp, nil
}

func (f *fakeStore) ListSlots(_ context.Context) ([]*store.Slot, error) {
	var out []*store.Slot
	for _, sl := range f.slots {
		cp := *sl
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpsertSlot(_ context.Context, sl *store.Slot) error {
	if prev, ok := f.slots[sl.SlotType]; ok {
		sl.ID = prev.ID
		sl.CreatedAt = prev.CreatedAt
	} else {
		sl.ID = uuid.New()
		sl.CreatedAt = time.Now()
	}
	sl.UpdatedAt = time.Now()
	cp := *sl
	f.slots[sl.SlotType] = &cp
	return nil
}

func (f *fakeStore) SlotsReferencingProvider(_ context.Context, providerID uuid.UUID) ([]store.SlotType, error) {
	var out []store.SlotType
	for _, st := range store.SlotTypes {
		sl, ok := f.slots[st]
		if !ok {
			continue
		}
		if sl.PrimaryProviderID == providerID {
			out = append(out, st)
			continue
		}
		for _, ref := range sl.FallbackChain {
			if ref.ProviderID == providerID {
				out = append(out, st)
				break
			}
		}
	}
	return out, nil
}

// fakeRuntime is a scriptable upstream.Client.
type fakeRuntime struct {
	chat       func(ctx context.Context, t upstream.Target, req upstream.ChatRequest) (*upstream.ChatResult, error)
	chatStream func(ctx context.Context, t upstream.Target, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error)
	embed      func(ctx context.Context, t upstream.Target, req upstream.EmbeddingRequest) (*upstream.EmbeddingResult, error)
	rerank     func(ctx context.Context, t upstream.Target, req upstream.RerankRequest) (*upstream.RerankResult, error)
	listModels func(ctx context.Context, t upstream.Target) ([]upstream.ModelInfo, error)
}

func (f *fakeRuntime) Chat(ctx context.Context, t upstream.Target, req upstream.ChatRequest) (*upstream.ChatResult, error) {
	return f.chat(ctx, t, req)
}

func (f *fakeRuntime) ChatStream(ctx context.Context, t upstream.Target, req upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
	return f.chatStream(ctx, t, req)
}

func (f *fakeRuntime) Embed(ctx context.Context, t upstream.Target, req upstream.EmbeddingRequest) (*upstream.EmbeddingResult, error) {
	return f.embed(ctx, t, req)
}

func (f *fakeRuntime) Rerank(ctx context.Context, t upstream.Target, req upstream.RerankRequest) (*upstream.RerankResult, error) {
	return f.rerank(ctx, t, req)
}

func (f *fakeRuntime) ListModels(ctx context.Context, t upstream.Target) ([]upstream.ModelInfo, error) {
	return f.listModels(ctx, t)
}
