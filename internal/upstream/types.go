// Package upstream performs single attempts against one (provider, model)
// target in four modes: chat, streaming chat, embedding, and rerank.
//
// Two runtimes exist side by side: a raw HTTP path speaking the
// OpenAI-compatible wire dialect, and an SDK path built on the vendor client
// libraries. The Runtime type selects between them per process.
package upstream

import "context"

// Target identifies one upstream attempt. APIKey holds the decrypted
// plaintext and must not outlive the call or appear in logs.
type Target struct {
	ProviderName string
	ProviderType string // wire dialect: "openai" or "anthropic"
	BaseURL      string
	APIKey       string
	Model        string
}

// Message is one conversation turn in OpenAI wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage carries token counts. Absent upstream usage normalises to zeros.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is the normalised non-streaming / streaming chat input.
type ChatRequest struct {
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
	TopP        *float64
}

// ChatResult is the normalised chat output.
type ChatResult struct {
	Content   string `json:"content"`
	Usage     Usage  `json:"usage"`
	LatencyMs int64  `json:"latency_ms"`
	Model     string `json:"model"`
}

// EmbeddingRequest is the normalised embedding input. Dimensions, when set,
// asks the model for Matryoshka-truncated vectors.
type EmbeddingRequest struct {
	Input      []string
	Dimensions *int
}

// EmbeddingVector is one embedding result row.
type EmbeddingVector struct {
	Index      int       `json:"index"`
	Values     []float64 `json:"values"`
	Dimensions int       `json:"dimensions"`
}

// EmbeddingResult is the normalised embedding output.
type EmbeddingResult struct {
	Embeddings []EmbeddingVector `json:"embeddings"`
	Usage      Usage             `json:"usage"`
	LatencyMs  int64             `json:"latency_ms"`
	Model      string            `json:"model"`
}

// RerankRequest is the normalised rerank input.
type RerankRequest struct {
	Query     string
	Documents []string
}

// RerankItem is one rerank result row. Document is resolved back to the
// request document by index.
type RerankItem struct {
	Index          int     `json:"index"`
	Document       string  `json:"document"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankResult is the normalised rerank output, sorted by score descending.
type RerankResult struct {
	Results   []RerankItem `json:"results"`
	LatencyMs int64        `json:"latency_ms"`
	Model     string       `json:"model"`
}

// ModelInfo is one entry of a provider's model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

// StreamSummary is the synthetic terminal event carrying aggregate stats,
// emitted after all content events and before the [DONE] sentinel.
type StreamSummary struct {
	Usage     Usage  `json:"usage"`
	LatencyMs int64  `json:"latency_ms"`
	Model     string `json:"model"`
}

// StreamEvent is one element of a chat stream. Exactly one of the three
// shapes is populated:
//   - content event: Summary nil, Err nil (Delta may be empty)
//   - terminal summary: Summary non-nil, always the last event before close
//   - read failure: Err non-nil; the stream ends after the summary
type StreamEvent struct {
	Delta        string  `json:"delta"`
	FinishReason *string `json:"finish_reason"`
	Summary      *StreamSummary
	Err          error
}

// Client is one upstream runtime. ChatStream returns an error for failures
// that occur before any bytes are streamed (dial, HTTP >= 400); after that,
// failures are delivered in-band and the channel always closes after the
// summary event.
type Client interface {
	Chat(ctx context.Context, t Target, req ChatRequest) (*ChatResult, error)
	ChatStream(ctx context.Context, t Target, req ChatRequest) (<-chan StreamEvent, error)
	Embed(ctx context.Context, t Target, req EmbeddingRequest) (*EmbeddingResult, error)
	Rerank(ctx context.Context, t Target, req RerankRequest) (*RerankResult, error)
	ListModels(ctx context.Context, t Target) ([]ModelInfo, error)
}
