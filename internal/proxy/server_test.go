package proxy

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/slotgate/internal/auth"
	"github.com/nulpointcorp/slotgate/internal/gateway"
	"github.com/nulpointcorp/slotgate/internal/metrics"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
)

const testSecret = "test-secret"

// --- test environment -------------------------------------------------------

type env struct {
	store   *fakeStore
	vault   *vault.Vault
	runtime *fakeRuntime
	server  *Server
	handler fasthttp.RequestHandler
}

func newEnv(t *testing.T) *env {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	v, err := vault.New(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}

	f := newFakeStore()
	rt := &fakeRuntime{}
	log := testLogger()

	srv := NewServer(Deps{
		Registry: gateway.NewRegistry(f, v, rt, log),
		Slots:    gateway.NewSlots(f, log),
		Router:   gateway.NewRouter(f, v, rt, log),
		Prober:   gateway.NewProber(f, v, rt, log),
		Direct:   gateway.NewDirect(f, v, rt, log),
		Verifier: auth.NewVerifier(testSecret, nil),
		Metrics:  metrics.NewRegistry(),
		Log:      log,
	})

	return &env{store: f, vault: v, runtime: rt, server: srv, handler: srv.Handler()}
}

func (e *env) configureSlot(st store.SlotType, p *store.Provider, model string, chain ...store.FallbackRef) {
	_ = e.store.UpsertSlot(context.Background(), &store.Slot{
		SlotType:          st,
		PrimaryProviderID: p.ID,
		PrimaryModelID:    model,
		FallbackChain:     chain,
		IsEnabled:         true,
		Config:            map[string]any{},
	})
}

func signToken(t *testing.T, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (e *env) do(t *testing.T, method, url, token string, body string) *fasthttp.RequestCtx {
	t.Helper()
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	if body != "" {
		req.Header.SetContentType("application/json")
		req.SetBodyString(body)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	e.handler(ctx)
	return ctx
}

// respEnvelope mirrors the wire envelope for assertions.
type respEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Meta struct {
		RequestID string `json:"request_id"`
		Timestamp string `json:"timestamp"`
	} `json:"meta"`
}

func decodeEnvelope(t *testing.T, ctx *fasthttp.RequestCtx) respEnvelope {
	t.Helper()
	var out respEnvelope
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, ctx.Response.Body())
	}
	return out
}

// --- auth boundary ----------------------------------------------------------

func TestPresetsArePublic(t *testing.T) {
	e := newEnv(t)
	ctx := e.do(t, "GET", "http://gw/api/llm/providers/presets", "", "")

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	var presets []map[string]any
	if err := json.Unmarshal(decodeEnvelope(t, ctx).Data, &presets); err != nil {
		t.Fatal(err)
	}
	if len(presets) == 0 {
		t.Error("preset catalog should not be empty")
	}
}

func TestManagementRequiresAdmin(t *testing.T) {
	e := newEnv(t)

	ctx := e.do(t, "GET", "http://gw/api/llm/providers", "", "")
	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("no credentials: status = %d", ctx.Response.StatusCode())
	}
	if resp := decodeEnvelope(t, ctx); resp.Error == nil || resp.Error.Code != "UNAUTHORIZED" {
		t.Errorf("envelope = %+v", resp.Error)
	}
	if decodeEnvelope(t, ctx).Meta.RequestID == "" {
		t.Error("meta.request_id missing")
	}

	ctx = e.do(t, "GET", "http://gw/api/llm/providers", signToken(t, ""), "")
	if ctx.Response.StatusCode() != fasthttp.StatusForbidden {
		t.Errorf("plain user: status = %d", ctx.Response.StatusCode())
	}

	ctx = e.do(t, "GET", "http://gw/api/llm/providers", signToken(t, "admin"), "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("admin: status = %d body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

func TestInvokeOpenToAnyUser(t *testing.T) {
	e := newEnv(t)
	p := e.store.addProvider("p1", true, e.vault, t)
	e.configureSlot(store.SlotFast, p, "m1")
	e.runtime.chat = func(context.Context, upstream.Target, upstream.ChatRequest) (*upstream.ChatResult, error) {
		return &upstream.ChatResult{Content: "hey", LatencyMs: 3, Model: "m1"}, nil
	}

	ctx := e.do(t, "POST", "http://gw/api/llm/slots/fast/invoke", signToken(t, ""),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
}

// --- slot invocation --------------------------------------------------------

func TestSlotInvokePrimarySuccess(t *testing.T) {
	e := newEnv(t)
	p := e.store.addProvider("P1", true, e.vault, t)
	e.configureSlot(store.SlotReasoning, p, "model-a")
	e.runtime.chat = func(_ context.Context, tgt upstream.Target, _ upstream.ChatRequest) (*upstream.ChatResult, error) {
		return &upstream.ChatResult{
			Content:   "ok",
			Usage:     upstream.Usage{TotalTokens: 7},
			LatencyMs: 42,
			Model:     tgt.Model,
		}, nil
	}

	ctx := e.do(t, "POST", "http://gw/api/llm/slots/reasoning/invoke", signToken(t, ""),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var out struct {
		Result struct {
			Content string `json:"content"`
		} `json:"result"`
		Routing gateway.RoutingInfo `json:"routing"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, ctx).Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Result.Content != "ok" {
		t.Errorf("content = %q", out.Result.Content)
	}
	if out.Routing.UsedResourcePool {
		t.Error("primary success must not report resource pool use")
	}
	if len(out.Routing.FailoverTrace) != 1 {
		t.Fatalf("trace = %+v", out.Routing.FailoverTrace)
	}
	entry := out.Routing.FailoverTrace[0]
	if !entry.Success || entry.LatencyMs == nil || *entry.LatencyMs != 42 {
		t.Errorf("trace[0] = %+v", entry)
	}
}

func TestSlotInvokeAllModelsFailed(t *testing.T) {
	e := newEnv(t)
	p1 := e.store.addProvider("p1", true, e.vault, t)
	p2 := e.store.addProvider("p2", true, e.vault, t)
	e.configureSlot(store.SlotFast, p1, "m1", store.FallbackRef{ProviderID: p2.ID, ModelID: "m2"})
	e.runtime.chat = func(context.Context, upstream.Target, upstream.ChatRequest) (*upstream.ChatResult, error) {
		return nil, &upstream.Error{StatusCode: 500, Message: "provider returned HTTP 500"}
	}

	ctx := e.do(t, "POST", "http://gw/api/llm/slots/fast/invoke", signToken(t, ""),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}

	resp := decodeEnvelope(t, ctx)
	if resp.Error == nil || resp.Error.Code != "ALL_MODELS_FAILED" {
		t.Fatalf("error = %+v", resp.Error)
	}
	trace, ok := resp.Error.Details["failover_trace"].([]any)
	if !ok || len(trace) != 2 {
		t.Errorf("failover_trace = %+v", resp.Error.Details["failover_trace"])
	}
}

func TestUnknownSlotTypeIs404(t *testing.T) {
	e := newEnv(t)
	ctx := e.do(t, "POST", "http://gw/api/llm/slots/video/invoke", signToken(t, ""), `{}`)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func TestInvalidJSONBodyIs422(t *testing.T) {
	e := newEnv(t)
	ctx := e.do(t, "POST", "http://gw/api/llm/slots/fast/invoke", signToken(t, ""), `{not json`)
	if ctx.Response.StatusCode() != fasthttp.StatusUnprocessableEntity {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

// --- provider management ----------------------------------------------------

func TestDeleteBlockedWhileReferenced(t *testing.T) {
	e := newEnv(t)
	p := e.store.addProvider("p1", true, e.vault, t)
	e.configureSlot(store.SlotReasoning, p, "m1")
	admin := signToken(t, "admin")

	ctx := e.do(t, "DELETE", "http://gw/api/llm/providers/"+p.ID.String(), admin, "")
	if ctx.Response.StatusCode() != fasthttp.StatusConflict {
		t.Fatalf("status = %d body %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	resp := decodeEnvelope(t, ctx)
	if resp.Error.Code != "PROVIDER_IN_USE" {
		t.Errorf("code = %s", resp.Error.Code)
	}
	slots, _ := resp.Error.Details["referenced_slots"].([]any)
	if len(slots) != 1 || slots[0] != "reasoning" {
		t.Errorf("referenced_slots = %+v", resp.Error.Details["referenced_slots"])
	}

	// Point the slot at another provider; the delete now goes through.
	p2 := e.store.addProvider("p2", true, e.vault, t)
	e.configureSlot(store.SlotReasoning, p2, "m1")
	ctx = e.do(t, "DELETE", "http://gw/api/llm/providers/"+p.ID.String(), admin, "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status after reconfigure = %d", ctx.Response.StatusCode())
	}
}

func TestTamperedCiphertextNeverEchoed(t *testing.T) {
	e := newEnv(t)
	p := e.store.addProvider("p1", true, e.vault, t)
	tampered := []byte(p.APIKeyEncrypted)
	tampered[0] ^= 1
	p.APIKeyEncrypted = string(tampered)
	e.store.providers[p.ID] = p
	e.configureSlot(store.SlotFast, p, "m1")

	ctx := e.do(t, "POST", "http://gw/api/llm/slots/fast/invoke", signToken(t, ""),
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	resp := decodeEnvelope(t, ctx)
	if resp.Error.Code != "ENCRYPTION_ERROR" {
		t.Errorf("code = %s", resp.Error.Code)
	}
	if strings.Contains(string(ctx.Response.Body()), p.APIKeyEncrypted) {
		t.Error("ciphertext must never appear in a response")
	}
}

func TestProviderNotFoundPathAndBadID(t *testing.T) {
	e := newEnv(t)
	admin := signToken(t, "admin")

	ctx := e.do(t, "GET", "http://gw/api/llm/providers/"+uuid.NewString(), admin, "")
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("unknown id: status = %d", ctx.Response.StatusCode())
	}

	ctx = e.do(t, "GET", "http://gw/api/llm/providers/not-a-uuid", admin, "")
	if ctx.Response.StatusCode() != fasthttp.StatusUnprocessableEntity {
		t.Errorf("bad id: status = %d", ctx.Response.StatusCode())
	}
}

// --- streaming --------------------------------------------------------------

func TestDirectStreamWireFormat(t *testing.T) {
	e := newEnv(t)
	p := e.store.addProvider("p1", true, e.vault, t)
	finish := "stop"
	e.runtime.chatStream = func(context.Context, upstream.Target, upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
		events := make(chan upstream.StreamEvent, 4)
		events <- upstream.StreamEvent{Delta: "A"}
		events <- upstream.StreamEvent{Delta: "B", FinishReason: &finish}
		events <- upstream.StreamEvent{Summary: &upstream.StreamSummary{
			Usage:     upstream.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
			LatencyMs: 5,
			Model:     "m1",
		}}
		close(events)
		return events, nil
	}

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	srv := &fasthttp.Server{Handler: e.handler}
	go srv.Serve(ln) //nolint:errcheck

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(context.Context, string, string) (net.Conn, error) { return ln.Dial() },
	}}

	body := strings.NewReader(`{"provider_id":"` + p.ID.String() + `","model_id":"m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req, err := http.NewRequest("POST", "http://gw/api/llm/completions", body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+signToken(t, "admin"))
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	want := "data: {\"delta\":\"A\",\"finish_reason\":null}\n\n" +
		"data: {\"delta\":\"B\",\"finish_reason\":\"stop\"}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":2,\"total_tokens\":3},\"latency_ms\":5,\"model\":\"m1\"}\n\n" +
		"data: [DONE]\n\n"
	if string(raw) != want {
		t.Errorf("stream body mismatch:\ngot:  %q\nwant: %q", raw, want)
	}
}

func TestDirectStreamPreStreamErrorIsEnvelope(t *testing.T) {
	e := newEnv(t)
	p := e.store.addProvider("p1", true, e.vault, t)
	e.runtime.chatStream = func(context.Context, upstream.Target, upstream.ChatRequest) (<-chan upstream.StreamEvent, error) {
		return nil, &upstream.Error{StatusCode: 401, Message: "provider returned HTTP 401"}
	}

	ctx := e.do(t, "POST", "http://gw/api/llm/completions", signToken(t, "admin"),
		`{"provider_id":"`+p.ID.String()+`","model_id":"m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if resp := decodeEnvelope(t, ctx); resp.Error.Code != "UPSTREAM_ERROR" {
		t.Errorf("code = %s", resp.Error.Code)
	}
}

// --- health -----------------------------------------------------------------

func TestReadinessReflectsStore(t *testing.T) {
	e := newEnv(t)

	ctx := e.do(t, "GET", "http://gw/readiness", "", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}

	e.server.ready = func(context.Context) error { return context.DeadlineExceeded }
	e.handler = e.server.Handler()
	ctx = e.do(t, "GET", "http://gw/readiness", "", "")
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}
