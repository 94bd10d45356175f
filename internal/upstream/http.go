package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Per-call deadlines for the raw HTTP runtime. Streaming uses chatTimeout as
// the window for the initial response only; reads after that are unbounded.
const (
	chatTimeout      = 120 * time.Second
	embeddingTimeout = 60 * time.Second
	rerankTimeout    = 60 * time.Second
	listTimeout      = 10 * time.Second
)

// HTTPClient speaks the OpenAI-compatible REST dialect directly. It is the
// only runtime for rerank, which has no SDK surface.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds the raw runtime. The underlying http.Client carries no
// global timeout; every call scopes its own deadline so streaming responses
// can stay open past the dial window.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{client: &http.Client{}}
}

type chatWire struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
}

// Chat performs one non-streaming chat completion attempt.
func (c *HTTPClient) Chat(ctx context.Context, t Target, req ChatRequest) (*ChatResult, error) {
	payload := chatWire{
		Model:       t.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.post(ctx, t, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, parseError(err)
	}

	res := &ChatResult{
		LatencyMs: time.Since(start).Milliseconds(),
		Model:     t.Model,
	}
	if len(parsed.Choices) > 0 {
		res.Content = parsed.Choices[0].Message.Content
	}
	if parsed.Usage != nil {
		res.Usage = *parsed.Usage
	}
	if parsed.Model != "" {
		res.Model = parsed.Model
	}
	return res, nil
}

// Embed performs one embedding attempt.
func (c *HTTPClient) Embed(ctx context.Context, t Target, req EmbeddingRequest) (*EmbeddingResult, error) {
	payload := map[string]any{
		"model": t.Model,
		"input": req.Input,
	}
	if req.Dimensions != nil {
		payload["dimensions"] = *req.Dimensions
	}

	ctx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.post(ctx, t, "/embeddings", payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage *Usage `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, parseError(err)
	}

	res := &EmbeddingResult{
		Embeddings: make([]EmbeddingVector, 0, len(parsed.Data)),
		LatencyMs:  time.Since(start).Milliseconds(),
		Model:      t.Model,
	}
	for _, d := range parsed.Data {
		res.Embeddings = append(res.Embeddings, EmbeddingVector{
			Index:      d.Index,
			Values:     d.Embedding,
			Dimensions: len(d.Embedding),
		})
	}
	if parsed.Usage != nil {
		res.Usage = *parsed.Usage
	}
	if parsed.Model != "" {
		res.Model = parsed.Model
	}
	return res, nil
}

// Rerank performs one rerank attempt. Results come back sorted by relevance
// score descending; documents are resolved from the request by index.
func (c *HTTPClient) Rerank(ctx context.Context, t Target, req RerankRequest) (*RerankResult, error) {
	payload := map[string]any{
		"model":     t.Model,
		"query":     req.Query,
		"documents": req.Documents,
	}

	ctx, cancel := context.WithTimeout(ctx, rerankTimeout)
	defer cancel()

	start := time.Now()
	body, err := c.post(ctx, t, "/rerank", payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, parseError(err)
	}

	res := &RerankResult{
		Results:   make([]RerankItem, 0, len(parsed.Results)),
		LatencyMs: time.Since(start).Milliseconds(),
		Model:     t.Model,
	}
	for _, r := range parsed.Results {
		doc := ""
		if r.Index >= 0 && r.Index < len(req.Documents) {
			doc = req.Documents[r.Index]
		}
		res.Results = append(res.Results, RerankItem{
			Index:          r.Index,
			Document:       doc,
			RelevanceScore: r.RelevanceScore,
		})
	}
	sort.SliceStable(res.Results, func(i, j int) bool {
		return res.Results[i].RelevanceScore > res.Results[j].RelevanceScore
	})
	if parsed.Model != "" {
		res.Model = parsed.Model
	}
	return res, nil
}

// ListModels fetches GET {base}/models. Unlike the inference calls this is
// advisory; callers treat every failure as an empty listing.
func (c *HTTPClient) ListModels(ctx context.Context, t Target) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(t.BaseURL, "/models"), nil)
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, body)
	}

	var parsed struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, parseError(err)
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if m.ID == "" {
			continue
		}
		models = append(models, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// post sends a JSON POST and returns the response body, mapping transport
// failures and HTTP >= 400 onto *Error.
func (c *HTTPClient) post(ctx context.Context, t Target, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(t.BaseURL, path), bytes.NewReader(raw))
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
