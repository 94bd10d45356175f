// Package gateway holds the service layer: the provider registry, the slot
// registry, the slot router with its failover trace, the connectivity prober,
// and the direct (non-slot) inference service.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/presets"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// Store is the persistence surface the services need. *store.Store satisfies
// it; tests substitute an in-memory fake.
type Store interface {
	CreateProvider(ctx context.Context, p *store.Provider) error
	GetProvider(ctx context.Context, id uuid.UUID) (*store.Provider, error)
	ListProviders(ctx context.Context, page, pageSize int) ([]*store.Provider, int, error)
	UpdateProvider(ctx context.Context, p *store.Provider) error
	DeleteProvider(ctx context.Context, id uuid.UUID) error
	ProvidersByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*store.Provider, error)

	GetSlot(ctx context.Context, slotType store.SlotType) (*store.Slot, error)
	ListSlots(ctx context.Context) ([]*store.Slot, error)
	UpsertSlot(ctx context.Context, sl *store.Slot) error
	SlotsReferencingProvider(ctx context.Context, providerID uuid.UUID) ([]store.SlotType, error)
}

// ProviderCreate is the create-provider input. ProviderType and BaseURL may
// be omitted when PresetID fills them in.
type ProviderCreate struct {
	Name         string         `json:"name"`
	Slug         string         `json:"slug"`
	ProviderType string         `json:"provider_type"`
	BaseURL      *string        `json:"base_url"`
	APIKey       string         `json:"api_key"`
	PresetID     string         `json:"preset_id"`
	IsEnabled    *bool          `json:"is_enabled"`
	Config       map[string]any `json:"config"`
}

// ProviderUpdate is the partial-update input. Nil fields keep the stored
// value; a non-empty APIKey is re-encrypted and replaces the ciphertext.
type ProviderUpdate struct {
	Name         *string        `json:"name"`
	Slug         *string        `json:"slug"`
	ProviderType *string        `json:"provider_type"`
	BaseURL      *string        `json:"base_url"`
	APIKey       *string        `json:"api_key"`
	IsEnabled    *bool          `json:"is_enabled"`
	Config       map[string]any `json:"config"`
}

// ProviderView is the client-facing provider shape. The key ciphertext is
// never part of it.
type ProviderView struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	Slug         string         `json:"slug"`
	ProviderType string         `json:"provider_type"`
	BaseURL      *string        `json:"base_url"`
	IsEnabled    bool           `json:"is_enabled"`
	Config       map[string]any `json:"config"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func providerView(p *store.Provider) *ProviderView {
	return &ProviderView{
		ID:           p.ID,
		Name:         p.Name,
		Slug:         p.Slug,
		ProviderType: p.ProviderType,
		BaseURL:      p.BaseURL,
		IsEnabled:    p.IsEnabled,
		Config:       p.Config,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

// ProviderBrief is the short provider reference embedded in slot views.
type ProviderBrief struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Slug string    `json:"slug"`
}

// Pagination is the paged-listing meta block.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// SlotConfigure is the full-replacement slot configuration input.
type SlotConfigure struct {
	PrimaryProviderID uuid.UUID           `json:"primary_provider_id"`
	PrimaryModelID    string              `json:"primary_model_id"`
	FallbackChain     []store.FallbackRef `json:"fallback_chain"`
	IsEnabled         bool                `json:"is_enabled"`
	Config            map[string]any      `json:"config"`
}

// FallbackView is one resolved fallback chain entry.
type FallbackView struct {
	Provider *ProviderBrief `json:"provider"`
	ModelID  string         `json:"model_id"`
}

// SlotView is the client-facing slot shape. Unconfigured slots appear as
// disabled placeholders with a nil primary.
type SlotView struct {
	SlotType        string         `json:"slot_type"`
	PrimaryProvider *ProviderBrief `json:"primary_provider"`
	PrimaryModelID  string         `json:"primary_model_id"`
	FallbackChain   []FallbackView `json:"fallback_chain"`
	IsEnabled       bool           `json:"is_enabled"`
	Config          map[string]any `json:"config"`
	UpdatedAt       *time.Time     `json:"updated_at"`
}

// TraceEntry is one attempt record of a failover trace. Error and LatencyMs
// marshal as explicit nulls when absent.
type TraceEntry struct {
	ProviderName string  `json:"provider_name"`
	ModelID      string  `json:"model_id"`
	Success      bool    `json:"success"`
	Error        *string `json:"error"`
	LatencyMs    *int64  `json:"latency_ms"`
}

// RoutingInfo summarises how a slot invocation was served.
type RoutingInfo struct {
	ProviderName     string       `json:"provider_name"`
	ModelID          string       `json:"model_id"`
	SlotType         string       `json:"slot_type"`
	UsedResourcePool bool         `json:"used_resource_pool"`
	FailoverTrace    []TraceEntry `json:"failover_trace"`
}

// ChatInvoke is the slot chat invocation input.
type ChatInvoke struct {
	Messages    []upstream.Message `json:"messages"`
	MaxTokens   *int               `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
	TopP        *float64           `json:"top_p"`
}

// EmbedInvoke is the slot embedding invocation input.
type EmbedInvoke struct {
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions"`
}

// RerankInvoke is the slot rerank invocation input. TopN truncates the sorted
// result list.
type RerankInvoke struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      *int     `json:"top_n"`
}

// ChatInvokeResult pairs the inference result with its routing decision.
type ChatInvokeResult struct {
	Result  *upstream.ChatResult `json:"result"`
	Routing *RoutingInfo         `json:"routing"`
}

// EmbedInvokeResult pairs the embedding result with its routing decision.
type EmbedInvokeResult struct {
	Result  *upstream.EmbeddingResult `json:"result"`
	Routing *RoutingInfo              `json:"routing"`
}

// RerankInvokeResult pairs the rerank result with its routing decision.
type RerankInvokeResult struct {
	Result  *upstream.RerankResult `json:"result"`
	Routing *RoutingInfo           `json:"routing"`
}

// buildTarget resolves a provider row into an upstream target for one model,
// decrypting the stored key. Decrypt failure is fatal: the caller surfaces
// ENCRYPTION_ERROR and never retries a fallback.
func buildTarget(v *vault.Vault, p *store.Provider, model string) (upstream.Target, error) {
	base, err := effectiveBaseURL(p)
	if err != nil {
		return upstream.Target{}, err
	}

	key, err := v.Decrypt(p.APIKeyEncrypted)
	if err != nil {
		return upstream.Target{}, apierr.Encryption("failed to decrypt provider credentials")
	}

	return upstream.Target{
		ProviderName: p.Name,
		ProviderType: p.ProviderType,
		BaseURL:      base,
		APIKey:       key,
		Model:        model,
	}, nil
}

// effectiveBaseURL resolves the call-time base URL: the stored one, or the
// preset's when the row relies on a preset.
func effectiveBaseURL(p *store.Provider) (string, error) {
	if p.BaseURL != nil && *p.BaseURL != "" {
		return *p.BaseURL, nil
	}
	if id, ok := p.Config["preset_id"].(string); ok {
		if preset, found := presets.Get(id); found {
			return preset.BaseURL, nil
		}
	}
	return "", apierr.Internal("provider has no base URL and no valid preset")
}
