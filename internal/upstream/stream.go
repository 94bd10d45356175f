package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatStream opens a streaming chat completion against the raw HTTP runtime.
//
// Failures before any bytes stream (dial, HTTP >= 400) return an error.
// After that the returned channel delivers zero or more content events in
// upstream order, then exactly one summary event, then closes. Wire parse
// rules:
//   - lines without the "data: " prefix are skipped
//   - "data: [DONE]" ends the upstream loop without emitting
//   - a chunk with a non-empty usage object is remembered; some upstreams
//     send usage only in the final chunk
//   - the model echoed by any chunk overrides the requested model in the
//     summary
func (c *HTTPClient) ChatStream(ctx context.Context, t Target, req ChatRequest) (<-chan StreamEvent, error) {
	payload := chatWire{
		Model:       t.Model,
		Messages:    req.Messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, transportError(err)
	}

	// No per-call deadline here: the caller's context bounds the stream, and
	// chunk reads must stay open for long generations. SSE half-open is
	// tolerated; a dead upstream surfaces as a scanner error.
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(t.BaseURL, "/chat/completions"), bytes.NewReader(raw))
	if err != nil {
		return nil, transportError(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, body)
	}

	events := make(chan StreamEvent, 16)
	go c.consumeStream(ctx, resp.Body, t.Model, start, events)
	return events, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Model string `json:"model"`
}

func (c *HTTPClient) consumeStream(ctx context.Context, body io.ReadCloser, model string, start time.Time, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	var (
		usage      Usage
		finalModel = model
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimSpace(line[len("data: "):])
		if payload == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}

		if chunk.Model != "" {
			finalModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}

		ev := StreamEvent{}
		if len(chunk.Choices) > 0 {
			ev.Delta = chunk.Choices[0].Delta.Content
			ev.FinishReason = chunk.Choices[0].FinishReason
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			// Caller is gone; nobody will drain further events.
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		select {
		case events <- StreamEvent{Err: transportError(err)}:
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
}
