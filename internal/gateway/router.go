package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

// Router resolves a slot invocation to a concrete (provider, model) target,
// walking primary then fallback chain until one attempt succeeds. Every
// attempt, successful or not, lands in the failover trace.
type Router struct {
	store   Store
	vault   *vault.Vault
	runtime upstream.Client
	log     *slog.Logger
}

// NewRouter builds the slot router.
func NewRouter(st Store, v *vault.Vault, runtime upstream.Client, log *slog.Logger) *Router {
	return &Router{store: st, vault: v, runtime: runtime, log: log}
}

// candidate is one routing target: the primary or a chain entry.
type candidate struct {
	ref      store.FallbackRef
	provider *store.Provider // nil when the row has vanished
}

// attemptFunc performs one upstream attempt and reports its latency.
type attemptFunc func(ctx context.Context, t upstream.Target) (int64, error)

// InvokeChat serves a chat invocation through the slot's failover chain. When
// the request omits temperature, a slot-config default applies.
func (r *Router) InvokeChat(ctx context.Context, slotType store.SlotType, in ChatInvoke) (*ChatInvokeResult, error) {
	sl, err := r.resolveSlot(ctx, slotType)
	if err != nil {
		return nil, err
	}

	req := upstream.ChatRequest{
		Messages:    in.Messages,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	}
	if req.Temperature == nil {
		if temp, ok := sl.Config["temperature"].(float64); ok {
			req.Temperature = &temp
		}
	}

	var result *upstream.ChatResult
	routing, err := r.walk(ctx, sl, func(ctx context.Context, t upstream.Target) (int64, error) {
		res, err := r.runtime.Chat(ctx, t, req)
		if err != nil {
			return 0, err
		}
		result = res
		return res.LatencyMs, nil
	})
	if err != nil {
		return nil, err
	}
	return &ChatInvokeResult{Result: result, Routing: routing}, nil
}

// InvokeEmbedding serves an embedding invocation through the embedding slot.
func (r *Router) InvokeEmbedding(ctx context.Context, in EmbedInvoke) (*EmbedInvokeResult, error) {
	sl, err := r.resolveSlot(ctx, store.SlotEmbedding)
	if err != nil {
		return nil, err
	}

	req := upstream.EmbeddingRequest{Input: in.Input, Dimensions: in.Dimensions}

	var result *upstream.EmbeddingResult
	routing, err := r.walk(ctx, sl, func(ctx context.Context, t upstream.Target) (int64, error) {
		res, err := r.runtime.Embed(ctx, t, req)
		if err != nil {
			return 0, err
		}
		result = res
		return res.LatencyMs, nil
	})
	if err != nil {
		return nil, err
	}
	return &EmbedInvokeResult{Result: result, Routing: routing}, nil
}

// InvokeRerank serves a rerank invocation through the rerank slot. TopN
// truncates the score-sorted result list.
func (r *Router) InvokeRerank(ctx context.Context, in RerankInvoke) (*RerankInvokeResult, error) {
	sl, err := r.resolveSlot(ctx, store.SlotRerank)
	if err != nil {
		return nil, err
	}

	req := upstream.RerankRequest{Query: in.Query, Documents: in.Documents}

	var result *upstream.RerankResult
	routing, err := r.walk(ctx, sl, func(ctx context.Context, t upstream.Target) (int64, error) {
		res, err := r.runtime.Rerank(ctx, t, req)
		if err != nil {
			return 0, err
		}
		result = res
		return res.LatencyMs, nil
	})
	if err != nil {
		return nil, err
	}

	if in.TopN != nil && *in.TopN >= 0 && *in.TopN < len(result.Results) {
		result.Results = result.Results[:*in.TopN]
	}
	return &RerankInvokeResult{Result: result, Routing: routing}, nil
}

// resolveSlot loads the slot row and gates on its enabled flag. A missing or
// disabled slot is a structural failure; the chain is never consulted.
func (r *Router) resolveSlot(ctx context.Context, slotType store.SlotType) (*store.Slot, error) {
	sl, err := r.store.GetSlot(ctx, slotType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.SlotNotConfigured(fmt.Sprintf("slot %s is not configured", slotType))
	}
	if err != nil {
		return nil, apierr.Internal("failed to read slot")
	}
	if !sl.IsEnabled {
		return nil, apierr.SlotNotConfigured(fmt.Sprintf("slot %s is disabled", slotType))
	}
	return sl, nil
}

// walk tries the primary then each chain entry in order, recording one trace
// entry per attempt. First success wins; exhaustion surfaces ALL_MODELS_FAILED
// with the full trace.
//
// Failure taxonomy inside the walk:
//   - a vanished primary provider is structural: SLOT_NOT_CONFIGURED
//   - a vanished chain provider is recorded as a failed attempt and skipped
//   - a decrypt failure is fatal; fallbacks are not tried
//   - cancellation records one final "cancelled" entry and stops
func (r *Router) walk(ctx context.Context, sl *store.Slot, attempt attemptFunc) (*RoutingInfo, error) {
	candidates, err := r.resolveCandidates(ctx, sl)
	if err != nil {
		return nil, err
	}

	trace := make([]TraceEntry, 0, len(candidates))
	for i, cand := range candidates {
		if ctx.Err() != nil {
			trace = append(trace, failedEntry(cand, "cancelled"))
			break
		}

		if cand.provider == nil {
			trace = append(trace, failedEntry(cand, "provider not found"))
			continue
		}

		target, err := buildTarget(r.vault, cand.provider, cand.ref.ModelID)
		if err != nil {
			// Decrypt or config resolution failure: fatal, not retryable.
			return nil, err
		}

		start := time.Now()
		latency, err := attempt(ctx, target)
		if err != nil {
			wall := time.Since(start).Milliseconds()
			msg := err.Error()
			trace = append(trace, TraceEntry{
				ProviderName: cand.provider.Name,
				ModelID:      cand.ref.ModelID,
				Success:      false,
				Error:        &msg,
				LatencyMs:    &wall,
			})
			r.log.Warn("slot attempt failed",
				"slot_type", sl.SlotType, "provider", cand.provider.Name,
				"model", cand.ref.ModelID, "attempt", i+1, "error", err)
			continue
		}

		trace = append(trace, TraceEntry{
			ProviderName: cand.provider.Name,
			ModelID:      cand.ref.ModelID,
			Success:      true,
			LatencyMs:    &latency,
		})
		r.log.Info("slot invocation served",
			"slot_type", sl.SlotType, "provider", cand.provider.Name,
			"model", cand.ref.ModelID, "used_resource_pool", i > 0, "latency_ms", latency)

		return &RoutingInfo{
			ProviderName:     cand.provider.Name,
			ModelID:          cand.ref.ModelID,
			SlotType:         string(sl.SlotType),
			UsedResourcePool: i > 0,
			FailoverTrace:    trace,
		}, nil
	}

	r.log.Error("slot chain exhausted", "slot_type", sl.SlotType, "attempts", len(trace))
	return nil, apierr.AllModelsFailed(
		fmt.Sprintf("all configured models failed for slot %s", sl.SlotType), trace)
}

// resolveCandidates loads every referenced provider in one batch. The primary
// must still exist; vanished chain providers stay in the list as nil entries
// so the trace records them.
func (r *Router) resolveCandidates(ctx context.Context, sl *store.Slot) ([]candidate, error) {
	refs := make([]store.FallbackRef, 0, 1+len(sl.FallbackChain))
	refs = append(refs, store.FallbackRef{ProviderID: sl.PrimaryProviderID, ModelID: sl.PrimaryModelID})
	refs = append(refs, sl.FallbackChain...)

	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ProviderID)
	}
	providers, err := r.store.ProvidersByIDs(ctx, ids)
	if err != nil {
		return nil, apierr.Internal("failed to resolve slot providers")
	}

	if providers[sl.PrimaryProviderID] == nil {
		return nil, apierr.SlotNotConfigured(
			fmt.Sprintf("primary provider of slot %s no longer exists", sl.SlotType))
	}

	out := make([]candidate, 0, len(refs))
	for _, ref := range refs {
		out = append(out, candidate{ref: ref, provider: providers[ref.ProviderID]})
	}
	return out, nil
}

func failedEntry(cand candidate, reason string) TraceEntry {
	name := cand.ref.ProviderID.String()
	if cand.provider != nil {
		name = cand.provider.Name
	}
	return TraceEntry{
		ProviderName: name,
		ModelID:      cand.ref.ModelID,
		Success:      false,
		Error:        &reason,
	}
}
