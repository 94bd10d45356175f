package upstream

import (
	"context"
	"log/slog"
)

// Runtime modes. ModeSDK routes OpenAI-dialect calls through the vendor SDK;
// ModeHTTP speaks the wire format directly.
const (
	ModeHTTP = "http"
	ModeSDK  = "sdk"
)

// Runtime is the process-wide upstream dispatcher. It picks a concrete client
// per call:
//   - Anthropic-dialect targets always use the Anthropic SDK for chat and
//     model listing
//   - rerank always uses the raw HTTP path; no SDK exposes it
//   - everything else follows the configured mode, with streaming controlled
//     separately because SDK streaming hides the wire framing
type Runtime struct {
	mode         string
	streamMode   string
	httpFallback bool

	httpc     *HTTPClient
	sdk       *SDKClient
	anthropic *AnthropicClient
	log       *slog.Logger
}

// NewRuntime builds the dispatcher. mode and streamMode must be ModeHTTP or
// ModeSDK; httpFallback retries SDK transport failures once over raw HTTP.
func NewRuntime(mode, streamMode string, httpFallback bool, log *slog.Logger) *Runtime {
	return &Runtime{
		mode:         mode,
		streamMode:   streamMode,
		httpFallback: httpFallback,
		httpc:        NewHTTPClient(),
		sdk:          NewSDKClient(),
		anthropic:    NewAnthropicClient(),
		log:          log,
	}
}

// fallbackEligible reports whether an SDK failure should be retried over raw
// HTTP. Definitive upstream answers (an HTTP status) are never retried; only
// transport-level failures are.
func fallbackEligible(err error) bool {
	ue, ok := err.(*Error)
	return ok && ue.StatusCode == 0
}

// Chat performs one non-streaming chat attempt against the target.
func (r *Runtime) Chat(ctx context.Context, t Target, req ChatRequest) (*ChatResult, error) {
	if t.ProviderType == "anthropic" {
		return r.anthropic.Chat(ctx, t, req)
	}
	if r.mode != ModeSDK {
		return r.httpc.Chat(ctx, t, req)
	}

	res, err := r.sdk.Chat(ctx, t, req)
	if err != nil && r.httpFallback && fallbackEligible(err) && ctx.Err() == nil {
		r.log.Warn("sdk chat failed, retrying over http",
			"provider", t.ProviderName, "error", err)
		return r.httpc.Chat(ctx, t, req)
	}
	return res, err
}

// ChatStream opens one streaming chat attempt against the target.
func (r *Runtime) ChatStream(ctx context.Context, t Target, req ChatRequest) (<-chan StreamEvent, error) {
	if t.ProviderType == "anthropic" {
		return r.anthropic.ChatStream(ctx, t, req)
	}
	if r.streamMode != ModeSDK {
		return r.httpc.ChatStream(ctx, t, req)
	}

	events, err := r.sdk.ChatStream(ctx, t, req)
	if err != nil && r.httpFallback && fallbackEligible(err) && ctx.Err() == nil {
		r.log.Warn("sdk stream failed, retrying over http",
			"provider", t.ProviderName, "error", err)
		return r.httpc.ChatStream(ctx, t, req)
	}
	return events, err
}

// Embed performs one embedding attempt. Anthropic targets go over raw HTTP;
// the dialect has no embedding surface and the upstream answer is the honest
// failure.
func (r *Runtime) Embed(ctx context.Context, t Target, req EmbeddingRequest) (*EmbeddingResult, error) {
	if t.ProviderType == "anthropic" || r.mode != ModeSDK {
		return r.httpc.Embed(ctx, t, req)
	}

	res, err := r.sdk.Embed(ctx, t, req)
	if err != nil && r.httpFallback && fallbackEligible(err) && ctx.Err() == nil {
		r.log.Warn("sdk embed failed, retrying over http",
			"provider", t.ProviderName, "error", err)
		return r.httpc.Embed(ctx, t, req)
	}
	return res, err
}

// Rerank performs one rerank attempt, always over raw HTTP.
func (r *Runtime) Rerank(ctx context.Context, t Target, req RerankRequest) (*RerankResult, error) {
	return r.httpc.Rerank(ctx, t, req)
}

// ListModels fetches the target's model listing.
func (r *Runtime) ListModels(ctx context.Context, t Target) ([]ModelInfo, error) {
	if t.ProviderType == "anthropic" {
		return r.anthropic.ListModels(ctx, t)
	}
	if r.mode != ModeSDK {
		return r.httpc.ListModels(ctx, t)
	}
	return r.sdk.ListModels(ctx, t)
}
