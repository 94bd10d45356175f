package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// DirectChatRequest addresses one explicit (provider, model) pair, bypassing
// slot routing.
type DirectChatRequest struct {
	ProviderID  uuid.UUID          `json:"provider_id"`
	ModelID     string             `json:"model_id"`
	Messages    []upstream.Message `json:"messages"`
	Stream      bool               `json:"stream"`
	MaxTokens   *int               `json:"max_tokens"`
	Temperature *float64           `json:"temperature"`
	TopP        *float64           `json:"top_p"`
}

// DirectEmbeddingRequest is the direct embedding input.
type DirectEmbeddingRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Input      []string  `json:"input"`
	Dimensions *int      `json:"dimensions"`
}

// DirectRerankRequest is the direct rerank input.
type DirectRerankRequest struct {
	ProviderID uuid.UUID `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	Query      string    `json:"query"`
	Documents  []string  `json:"documents"`
	TopN       *int      `json:"top_n"`
}

// Direct serves explicit (provider, model) inference with no failover. Unlike
// the Router, upstream failures propagate verbatim as UPSTREAM_ERROR.
type Direct struct {
	store   Store
	vault   *vault.Vault
	runtime upstream.Client
	log     *slog.Logger
}

// NewDirect builds the direct inference service.
func NewDirect(st Store, v *vault.Vault, runtime upstream.Client, log *slog.Logger) *Direct {
	return &Direct{store: st, vault: v, runtime: runtime, log: log}
}

func (d *Direct) target(ctx context.Context, providerID uuid.UUID, model string) (upstream.Target, error) {
	p, err := d.store.GetProvider(ctx, providerID)
	if err != nil {
		return upstream.Target{}, translateNotFound(err, "provider not found")
	}
	return buildTarget(d.vault, p, model)
}

// Complete performs one non-streaming direct chat completion.
func (d *Direct) Complete(ctx context.Context, in DirectChatRequest) (*upstream.ChatResult, error) {
	t, err := d.target(ctx, in.ProviderID, in.ModelID)
	if err != nil {
		return nil, err
	}

	res, err := d.runtime.Chat(ctx, t, upstream.ChatRequest{
		Messages:    in.Messages,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	})
	if err != nil {
		return nil, translateUpstream(err)
	}

	d.log.Info("direct completion served",
		"provider", t.ProviderName, "model", t.Model, "latency_ms", res.LatencyMs)
	return res, nil
}

// Stream opens one streaming direct chat completion. Pre-stream failures map
// onto the error taxonomy; in-band failures stay in the event channel.
func (d *Direct) Stream(ctx context.Context, in DirectChatRequest) (<-chan upstream.StreamEvent, error) {
	t, err := d.target(ctx, in.ProviderID, in.ModelID)
	if err != nil {
		return nil, err
	}

	events, err := d.runtime.ChatStream(ctx, t, upstream.ChatRequest{
		Messages:    in.Messages,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	})
	if err != nil {
		return nil, translateUpstream(err)
	}
	return events, nil
}

// Embed performs one direct embedding call.
func (d *Direct) Embed(ctx context.Context, in DirectEmbeddingRequest) (*upstream.EmbeddingResult, error) {
	t, err := d.target(ctx, in.ProviderID, in.ModelID)
	if err != nil {
		return nil, err
	}

	res, err := d.runtime.Embed(ctx, t, upstream.EmbeddingRequest{
		Input:      in.Input,
		Dimensions: in.Dimensions,
	})
	if err != nil {
		return nil, translateUpstream(err)
	}
	return res, nil
}

// Rerank performs one direct rerank call.
func (d *Direct) Rerank(ctx context.Context, in DirectRerankRequest) (*upstream.RerankResult, error) {
	t, err := d.target(ctx, in.ProviderID, in.ModelID)
	if err != nil {
		return nil, err
	}

	res, err := d.runtime.Rerank(ctx, t, upstream.RerankRequest{
		Query:     in.Query,
		Documents: in.Documents,
	})
	if err != nil {
		return nil, translateUpstream(err)
	}

	if in.TopN != nil && *in.TopN >= 0 && *in.TopN < len(res.Results) {
		res.Results = res.Results[:*in.TopN]
	}
	return res, nil
}

// translateUpstream maps one upstream failure onto UPSTREAM_ERROR, carrying
// the upstream status and a bounded body snippet in the details.
func translateUpstream(err error) error {
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return apierr.Upstream("upstream call failed")
	}

	out := apierr.Upstream(ue.Message)
	details := map[string]any{}
	if ue.StatusCode > 0 {
		details["upstream_status"] = ue.StatusCode
	}
	if ue.Body != "" {
		details["upstream_body"] = ue.Body
	}
	if len(details) > 0 {
		out.WithDetails(details)
	}
	return out
}
