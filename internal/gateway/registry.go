package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/presets"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Registry is the provider registry service: CRUD over provider records,
// preset auto-fill, and the best-effort upstream model listing.
type Registry struct {
	store   Store
	vault   *vault.Vault
	runtime upstream.Client
	log     *slog.Logger
}

// NewRegistry builds the provider registry service.
func NewRegistry(st Store, v *vault.Vault, runtime upstream.Client, log *slog.Logger) *Registry {
	return &Registry{store: st, vault: v, runtime: runtime, log: log}
}

// Presets returns the static preset catalog.
func (r *Registry) Presets() []presets.Preset {
	return presets.All()
}

// Create registers a provider. When a preset id is supplied, missing
// provider_type and base_url are filled from the preset and the preset id is
// merged into the stored config. The API key is encrypted before anything is
// persisted; the plaintext never leaves this call.
func (r *Registry) Create(ctx context.Context, in ProviderCreate) (*ProviderView, error) {
	if in.Name == "" {
		return nil, apierr.Validation("name is required")
	}
	if !slugPattern.MatchString(in.Slug) {
		return nil, apierr.Validation("slug must match [a-z0-9][a-z0-9_-]*")
	}
	if in.APIKey == "" {
		return nil, apierr.Validation("api_key is required")
	}

	config := map[string]any{}
	for k, v := range in.Config {
		config[k] = v
	}

	providerType := in.ProviderType
	baseURL := in.BaseURL

	if in.PresetID != "" {
		preset, ok := presets.Get(in.PresetID)
		if !ok {
			return nil, apierr.InvalidPreset(fmt.Sprintf("unknown preset %q", in.PresetID))
		}
		if providerType == "" {
			providerType = preset.ProviderType
		}
		if baseURL == nil || *baseURL == "" {
			u := preset.BaseURL
			baseURL = &u
		}
		config["preset_id"] = preset.ID
	}

	if providerType == "" {
		return nil, apierr.Validation("provider_type is required without a preset")
	}
	if baseURL == nil || *baseURL == "" {
		return nil, apierr.Validation("base_url is required without a preset")
	}

	ciphertext, err := r.vault.Encrypt(in.APIKey)
	if err != nil {
		return nil, apierr.Encryption("failed to encrypt provider credentials")
	}

	enabled := true
	if in.IsEnabled != nil {
		enabled = *in.IsEnabled
	}

	p := &store.Provider{
		Name:            in.Name,
		Slug:            in.Slug,
		ProviderType:    providerType,
		BaseURL:         baseURL,
		APIKeyEncrypted: ciphertext,
		IsEnabled:       enabled,
		Config:          config,
	}
	if err := r.store.CreateProvider(ctx, p); err != nil {
		return nil, translateConflict(err)
	}

	r.log.Info("provider created", "provider_id", p.ID, "slug", p.Slug, "provider_type", p.ProviderType)
	return providerView(p), nil
}

// Get fetches one provider.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*ProviderView, error) {
	p, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return nil, translateNotFound(err, "provider not found")
	}
	return providerView(p), nil
}

// List returns one page of providers, newest first.
func (r *Registry) List(ctx context.Context, page, pageSize int) ([]*ProviderView, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	rows, total, err := r.store.ListProviders(ctx, page, pageSize)
	if err != nil {
		return nil, Pagination{}, apierr.Internal("failed to list providers")
	}

	out := make([]*ProviderView, 0, len(rows))
	for _, p := range rows {
		out = append(out, providerView(p))
	}
	return out, Pagination{Page: page, PageSize: pageSize, Total: total}, nil
}

// Update applies a partial update. Absent fields keep the stored values; a
// non-empty api_key is re-encrypted in place.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, in ProviderUpdate) (*ProviderView, error) {
	p, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return nil, translateNotFound(err, "provider not found")
	}

	if in.Name != nil {
		if *in.Name == "" {
			return nil, apierr.Validation("name must not be empty")
		}
		p.Name = *in.Name
	}
	if in.Slug != nil {
		if !slugPattern.MatchString(*in.Slug) {
			return nil, apierr.Validation("slug must match [a-z0-9][a-z0-9_-]*")
		}
		p.Slug = *in.Slug
	}
	if in.ProviderType != nil {
		p.ProviderType = *in.ProviderType
	}
	if in.BaseURL != nil {
		p.BaseURL = in.BaseURL
	}
	if in.APIKey != nil && *in.APIKey != "" {
		ciphertext, err := r.vault.Encrypt(*in.APIKey)
		if err != nil {
			return nil, apierr.Encryption("failed to encrypt provider credentials")
		}
		p.APIKeyEncrypted = ciphertext
	}
	if in.IsEnabled != nil {
		p.IsEnabled = *in.IsEnabled
	}
	if in.Config != nil {
		merged := map[string]any{}
		for k, v := range in.Config {
			merged[k] = v
		}
		// preset_id survives config replacement; it anchors the base URL.
		if pid, ok := p.Config["preset_id"]; ok {
			if _, present := merged["preset_id"]; !present {
				merged["preset_id"] = pid
			}
		}
		p.Config = merged
	}

	if err := r.store.UpdateProvider(ctx, p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound("provider not found")
		}
		return nil, translateConflict(err)
	}

	r.log.Info("provider updated", "provider_id", p.ID, "slug", p.Slug)
	return providerView(p), nil
}

// Delete removes a provider. Deletion is refused while any slot references
// the provider as primary or in its fallback chain.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	refs, err := r.store.SlotsReferencingProvider(ctx, id)
	if err != nil {
		return apierr.Internal("failed to check slot references")
	}
	if len(refs) > 0 {
		names := make([]string, 0, len(refs))
		for _, st := range refs {
			names = append(names, string(st))
		}
		return apierr.ProviderInUse("provider is referenced by configured slots", names)
	}

	if err := r.store.DeleteProvider(ctx, id); err != nil {
		return translateNotFound(err, "provider not found")
	}

	r.log.Info("provider deleted", "provider_id", id)
	return nil
}

// ListModels asks the provider for its model catalog. The endpoint is
// advisory: any upstream failure yields an empty list, never an error.
func (r *Registry) ListModels(ctx context.Context, id uuid.UUID) ([]upstream.ModelInfo, error) {
	p, err := r.store.GetProvider(ctx, id)
	if err != nil {
		return nil, translateNotFound(err, "provider not found")
	}

	t, err := buildTarget(r.vault, p, "")
	if err != nil {
		return nil, err
	}

	models, err := r.runtime.ListModels(ctx, t)
	if err != nil {
		r.log.Debug("model listing failed", "provider", p.Name, "error", err)
		return []upstream.ModelInfo{}, nil
	}
	if models == nil {
		models = []upstream.ModelInfo{}
	}
	return models, nil
}

// translateConflict maps store uniqueness violations onto the 409 taxonomy.
func translateConflict(err error) error {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		if strings.Contains(conflict.Constraint, "name") {
			return apierr.SlugConflict("provider name already exists")
		}
		return apierr.SlugConflict("provider slug already exists")
	}
	return apierr.Internal("failed to persist provider")
}

func translateNotFound(err error, message string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.NotFound(message)
	}
	return apierr.Internal("storage failure")
}
