package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/slotgate/internal/upstream"
)

// streamChunk is the wire shape of one content frame.
type streamChunk struct {
	Delta        string  `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// writeStream renders a chat event channel as server-sent events. Frames are
// flushed one by one so deltas reach the client as they arrive; the terminal
// summary frame is followed by the [DONE] sentinel in every case, including
// mid-stream upstream failure.
func writeStream(ctx *fasthttp.RequestCtx, events <-chan upstream.StreamEvent) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream; charset=utf-8")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	// Disable proxy buffering so deltas are not batched on the way out.
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for ev := range events {
			switch {
			case ev.Err != nil:
				// Mid-stream read failure; nothing renderable. The summary
				// event still follows before the channel closes.
				continue
			case ev.Summary != nil:
				writeFrame(w, ev.Summary)
			default:
				writeFrame(w, streamChunk{Delta: ev.Delta, FinishReason: ev.FinishReason})
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush()
	})
}

func writeFrame(w *bufio.Writer, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", body)
	w.Flush()
}
