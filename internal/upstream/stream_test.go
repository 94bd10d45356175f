package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("missing Accept header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			if ok {
				flusher.Flush()
			}
		}
	}
}

func collect(t *testing.T, events <-chan StreamEvent) (content []StreamEvent, summary *StreamSummary) {
	t.Helper()
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		if ev.Summary != nil {
			if summary != nil {
				t.Fatal("multiple summary events")
			}
			summary = ev.Summary
			continue
		}
		if summary != nil {
			t.Fatal("content event after summary")
		}
		content = append(content, ev)
	}
	if summary == nil {
		t.Fatal("stream closed without summary")
	}
	return content, summary
}

func TestChatStream_DeltasAndSummary(t *testing.T) {
	lines := []string{
		`data: {"model":"mock-model-2024","choices":[{"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"},"finish_reason":null}]}`,
		``,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		``,
		`data: [DONE]`,
		``,
	}
	srv := httptest.NewServer(sseHandler(t, lines))
	defer srv.Close()

	c := NewHTTPClient()
	events, err := c.ChatStream(context.Background(), testTarget(srv), ChatRequest{
		Messages: []Message{{Role: "user", Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, summary := collect(t, events)
	if len(content) != 3 {
		t.Fatalf("got %d content events, want one per chunk", len(content))
	}
	if content[0].Delta != "Hel" || content[1].Delta != "lo" {
		t.Errorf("deltas = %q, %q", content[0].Delta, content[1].Delta)
	}
	if content[0].FinishReason != nil {
		t.Errorf("finish_reason on first chunk = %v", *content[0].FinishReason)
	}
	if content[2].FinishReason == nil || *content[2].FinishReason != "stop" {
		t.Errorf("final finish_reason = %v", content[2].FinishReason)
	}

	if summary.Usage.TotalTokens != 5 || summary.Usage.PromptTokens != 3 {
		t.Errorf("summary usage = %+v, want usage remembered from final chunk", summary.Usage)
	}
	if summary.Model != "mock-model-2024" {
		t.Errorf("summary model = %q, want upstream echo", summary.Model)
	}
	if summary.LatencyMs < 0 {
		t.Errorf("latency = %d", summary.LatencyMs)
	}
}

func TestChatStream_SkipsNoise(t *testing.T) {
	lines := []string{
		`: keep-alive comment`,
		`event: message`,
		`data: {not json`,
		`data: {"choices":[{"delta":{"content":"ok"},"finish_reason":null}]}`,
		``,
		`data: [DONE]`,
		``,
	}
	srv := httptest.NewServer(sseHandler(t, lines))
	defer srv.Close()

	c := NewHTTPClient()
	events, err := c.ChatStream(context.Background(), testTarget(srv), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, _ := collect(t, events)
	if len(content) != 1 || content[0].Delta != "ok" {
		t.Errorf("content = %+v, want unparseable and non-data lines skipped", content)
	}
}

func TestChatStream_EOFWithoutDone(t *testing.T) {
	// Upstream closing the connection without [DONE] still yields a summary.
	lines := []string{
		`data: {"choices":[{"delta":{"content":"partial"},"finish_reason":null}]}`,
		``,
	}
	srv := httptest.NewServer(sseHandler(t, lines))
	defer srv.Close()

	c := NewHTTPClient()
	events, err := c.ChatStream(context.Background(), testTarget(srv), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, summary := collect(t, events)
	if len(content) != 1 {
		t.Fatalf("got %d content events", len(content))
	}
	if summary.Model != "mock-model" {
		t.Errorf("summary model = %q, want requested model when upstream never echoes", summary.Model)
	}
}

func TestChatStream_PreStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient()
	_, err := c.ChatStream(context.Background(), testTarget(srv), ChatRequest{})
	if err == nil {
		t.Fatal("expected pre-stream error for 401")
	}
	ue, ok := err.(*Error)
	if !ok || ue.StatusCode != http.StatusUnauthorized {
		t.Fatalf("err = %#v", err)
	}
}

func TestChatStream_SetsStreamFlag(t *testing.T) {
	var sawStream bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			sawStream, _ = body["stream"].(bool)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient()
	events, err := c.ChatStream(context.Background(), testTarget(srv), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collect(t, events)

	if !sawStream {
		t.Error("request body must carry stream: true")
	}
}
