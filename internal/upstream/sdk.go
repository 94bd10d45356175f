package upstream

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// SDKClient speaks the OpenAI-compatible dialect through the official SDK.
// Credentials and base URLs vary per target, so a fresh SDK client is built
// for every call; the SDK client itself is a thin wrapper and this is cheap.
type SDKClient struct {
	httpClient *http.Client
}

// NewSDKClient builds the SDK runtime. Per-call deadlines come from the
// request context, so the shared http.Client carries no global timeout.
func NewSDKClient() *SDKClient {
	return &SDKClient{httpClient: &http.Client{}}
}

func (c *SDKClient) clientFor(t Target) openaiSDK.Client {
	return openaiSDK.NewClient(
		option.WithAPIKey(t.APIKey),
		option.WithBaseURL(t.BaseURL),
		option.WithHTTPClient(c.httpClient),
	)
}

func buildChatParams(t Target, req ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    t.Model,
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openaiSDK.Int(int64(*req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

// Chat performs one non-streaming chat completion attempt through the SDK.
func (c *SDKClient) Chat(ctx context.Context, t Target, req ChatRequest) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	start := time.Now()
	client := c.clientFor(t)
	resp, err := client.Chat.Completions.New(ctx, buildChatParams(t, req))
	if err != nil {
		return nil, toSDKError(err)
	}

	res := &ChatResult{
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Model:     t.Model,
	}
	if len(resp.Choices) > 0 {
		res.Content = resp.Choices[0].Message.Content
	}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	return res, nil
}

// ChatStream opens a streaming chat completion through the SDK. The first
// chunk is pulled synchronously so that dial and auth failures surface as a
// plain error instead of an in-band event.
func (c *SDKClient) ChatStream(ctx context.Context, t Target, req ChatRequest) (<-chan StreamEvent, error) {
	start := time.Now()
	client := c.clientFor(t)
	stream := client.Chat.Completions.NewStreaming(ctx, buildChatParams(t, req))

	first := stream.Next()
	if !first {
		if err := stream.Err(); err != nil {
			return nil, toSDKError(err)
		}
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)

		var (
			usage      Usage
			finalModel = t.Model
		)

		emit := func(chunk openaiSDK.ChatCompletionChunk) bool {
			if chunk.Model != "" {
				finalModel = chunk.Model
			}
			if chunk.Usage.TotalTokens > 0 || chunk.Usage.PromptTokens > 0 {
				usage = Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}

			ev := StreamEvent{}
			if len(chunk.Choices) > 0 {
				ev.Delta = chunk.Choices[0].Delta.Content
				if fr := chunk.Choices[0].FinishReason; fr != "" {
					ev.FinishReason = &fr
				}
			}
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		ok := true
		if first {
			ok = emit(stream.Current())
		}
		for ok && stream.Next() {
			ok = emit(stream.Current())
		}
		if !ok {
			return
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			select {
			case events <- StreamEvent{Err: toSDKError(err)}:
			case <-ctx.Done():
				return
			}
		}

		summary := StreamEvent{Summary: &StreamSummary{
			Usage:     usage,
			LatencyMs: time.Since(start).Milliseconds(),
			Model:     finalModel,
		}}
		select {
		case events <- summary:
		case <-ctx.Done():
		}
	}()
	return events, nil
}

// Embed performs one embedding attempt through the SDK.
func (c *SDKClient) Embed(ctx context.Context, t Target, req EmbeddingRequest) (*EmbeddingResult, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(t.Model),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}
	if req.Dimensions != nil {
		params.Dimensions = openaiSDK.Int(int64(*req.Dimensions))
	}

	ctx, cancel := context.WithTimeout(ctx, embeddingTimeout)
	defer cancel()

	start := time.Now()
	client := c.clientFor(t)
	resp, err := client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toSDKError(err)
	}

	res := &EmbeddingResult{
		Embeddings: make([]EmbeddingVector, 0, len(resp.Data)),
		Usage: Usage{
			PromptTokens: int(resp.Usage.PromptTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Model:     t.Model,
	}
	for _, d := range resp.Data {
		res.Embeddings = append(res.Embeddings, EmbeddingVector{
			Index:      int(d.Index),
			Values:     d.Embedding,
			Dimensions: len(d.Embedding),
		})
	}
	if resp.Model != "" {
		res.Model = resp.Model
	}
	return res, nil
}

// ListModels fetches the first page of GET {base}/models through the SDK.
func (c *SDKClient) ListModels(ctx context.Context, t Target) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	client := c.clientFor(t)
	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, toSDKError(err)
	}

	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		if m.ID == "" {
			continue
		}
		models = append(models, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// toSDKError maps SDK failures onto *Error so both runtimes report attempts
// uniformly.
func toSDKError(err error) *Error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return statusError(apierr.StatusCode, []byte(apierr.RawJSON()))
	}
	return transportError(err)
}
