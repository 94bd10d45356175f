package upstream

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient speaks the Anthropic Messages dialect through the official
// SDK. Targets of this dialect always route here regardless of the configured
// runtime; the raw OpenAI wire path cannot serve them. Embeddings and rerank
// have no Anthropic surface, so the Runtime never dispatches those modes here.
type AnthropicClient struct {
	httpClient *http.Client
}

// NewAnthropicClient builds the Anthropic dialect runtime.
func NewAnthropicClient() *AnthropicClient {
	return &AnthropicClient{httpClient: &http.Client{}}
}

func (c *AnthropicClient) clientFor(t Target) anthropic.Client {
	return anthropic.NewClient(
		option.WithAPIKey(t.APIKey),
		option.WithBaseURL(t.BaseURL),
		option.WithHTTPClient(c.httpClient),
	)
}

// buildMessageParams translates the OpenAI-shaped conversation into Messages
// API form. System and developer turns collapse into the system prompt; the
// Messages API rejects them inline.
func buildMessageParams(t Target, req ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toAnthropicMessage(m.Role, m.Content))
		}
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(t.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

func toAnthropicMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: r,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

// Chat performs one non-streaming Messages API attempt.
func (c *AnthropicClient) Chat(ctx context.Context, t Target, req ChatRequest) (*ChatResult, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	start := time.Now()
	client := c.clientFor(t)
	msg, err := client.Messages.New(ctx, buildMessageParams(t, req))
	if err != nil {
		return nil, toAnthropicError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	in := int(msg.Usage.InputTokens)
	out := int(msg.Usage.OutputTokens)
	return &ChatResult{
		Content: sb.String(),
		Usage: Usage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Model:     string(msg.Model),
	}, nil
}

// ChatStream opens a streaming Messages API attempt. As with the SDK runtime
// the first event is pulled synchronously so pre-stream failures return as a
// plain error.
func (c *AnthropicClient) ChatStream(ctx context.Context, t Target, req ChatRequest) (<-chan StreamEvent, error) {
	start := time.Now()
	client := c.clientFor(t)
	stream := client.Messages.NewStreaming(ctx, buildMessageParams(t, req))

	first := stream.Next()
	if !first {
		if err := stream.Err(); err != nil {
			return nil, toAnthropicError(err)
		}
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)

		var (
			usage      Usage
			finalModel = t.Model
		)

		emit := func(ev anthropic.MessageStreamEventUnion) bool {
			out := StreamEvent{}
			switch variant := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.PromptTokens = int(variant.Message.Usage.InputTokens)
				if variant.Message.Model != "" {
					finalModel = string(variant.Message.Model)
				}
				return true
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out.Delta = delta.Text
				case *anthropic.TextDelta:
					out.Delta = delta.Text
				default:
					return true
				}
			case anthropic.MessageDeltaEvent:
				usage.CompletionTokens = int(variant.Usage.OutputTokens)
				if sr := string(variant.Delta.StopReason); sr != "" {
					fr := sr
					out.FinishReason = &fr
				}
			default:
				return true
			}

			select {
			case events <- out:
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
			case events <- StreamEvent{Err: toAnthropicError(err)}:
			case <-ctx.Done():
				return
			}
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
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

// ListModels fetches the first page of the Anthropic model listing.
func (c *AnthropicClient) ListModels(ctx context.Context, t Target) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	client := c.clientFor(t)
	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, toAnthropicError(err)
	}

	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		if m.ID == "" {
			continue
		}
		models = append(models, ModelInfo{ID: m.ID, OwnedBy: "anthropic"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func toAnthropicError(err error) *Error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return statusError(apierr.StatusCode, []byte(apierr.RawJSON()))
	}
	return transportError(err)
}
