package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/slotgate/internal/presets"
	"github.com/nulpointcorp/slotgate/internal/store"
	"github.com/nulpointcorp/slotgate/internal/upstream"
	"github.com/nulpointcorp/slotgate/internal/vault"
	"github.com/nulpointcorp/slotgate/pkg/apierr"
)

const (
	probeBudget        = 10 * time.Second
	probeDetailSnippet = 500
)

// Probe test types.
const (
	ProbeListModels = "list_models"
	ProbeChat       = "chat"
	ProbeEmbedding  = "embedding"
	ProbeRerank     = "rerank"
)

// ProbeRequest selects an explicit probe. With a test model set the prober
// skips the list-models stage and issues that probe directly; otherwise the
// default state machine runs.
type ProbeRequest struct {
	TestModelID string `json:"test_model_id"`
	TestType    string `json:"test_type"`
}

// ProbeResult is the operator-facing probe envelope.
type ProbeResult struct {
	ProviderID  uuid.UUID `json:"provider_id"`
	Status      string    `json:"status"` // "ok" or "error"
	LatencyMs   *int64    `json:"latency_ms,omitempty"`
	TestType    string    `json:"test_type"`
	TestModelID *string   `json:"test_model_id,omitempty"`
	Message     string    `json:"message"`
	ErrorDetail *string   `json:"error_detail,omitempty"`
}

// Prober validates a provider's base URL and credential within a hard 10 s
// budget: list-models first, then a preset chat ping when list-models is
// unsupported.
type Prober struct {
	store   Store
	vault   *vault.Vault
	runtime upstream.Client
	log     *slog.Logger
}

// NewProber builds the connectivity prober.
func NewProber(st Store, v *vault.Vault, runtime upstream.Client, log *slog.Logger) *Prober {
	return &Prober{store: st, vault: v, runtime: runtime, log: log}
}

// Probe runs the connectivity check for one provider. Upstream failures are
// reported inside the result envelope; structural problems (unknown provider,
// broken ciphertext) return an error instead.
func (p *Prober) Probe(ctx context.Context, id uuid.UUID, req ProbeRequest) (*ProbeResult, error) {
	prov, err := p.store.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.NotFound("provider not found")
		}
		return nil, apierr.Internal("storage failure")
	}

	target, err := buildTarget(p.vault, prov, "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, probeBudget)
	defer cancel()

	var res *ProbeResult
	if req.TestModelID != "" {
		res = p.explicitProbe(ctx, prov, target, req)
	} else {
		res = p.defaultProbe(ctx, prov, target)
	}
	res.ProviderID = prov.ID

	p.log.Info("provider probe finished",
		"provider", prov.Name, "test_type", res.TestType, "status", res.Status)
	return res, nil
}

// explicitProbe issues the caller-selected probe directly, skipping the
// list-models stage.
func (p *Prober) explicitProbe(ctx context.Context, prov *store.Provider, target upstream.Target, req ProbeRequest) *ProbeResult {
	testType := req.TestType
	switch testType {
	case ProbeChat, ProbeEmbedding, ProbeRerank:
	case "":
		testType = ProbeChat
	default:
		return &ProbeResult{
			Status:   "error",
			TestType: req.TestType,
			Message:  fmt.Sprintf("不支持的测试类型: %s", req.TestType),
		}
	}

	res := p.runModelProbe(ctx, target, testType, req.TestModelID)
	res.TestModelID = &req.TestModelID
	return res
}

// defaultProbe runs the list-models stage, falling forward to a preset chat
// ping when the endpoint answers 404 and the preset names a test model.
func (p *Prober) defaultProbe(ctx context.Context, prov *store.Provider, target upstream.Target) *ProbeResult {
	start := time.Now()
	_, listErr := p.runtime.ListModels(ctx, target)
	latency := time.Since(start).Milliseconds()

	if listErr == nil {
		return &ProbeResult{
			Status:    "ok",
			LatencyMs: &latency,
			TestType:  ProbeListModels,
			Message:   "连接成功",
		}
	}

	var ue *upstream.Error
	if errors.As(listErr, &ue) && ue.StatusCode == 404 {
		// Endpoint reachable, listing unimplemented.
		preset, ok := presetFor(prov)
		if !ok || preset.TestModel == "" {
			return &ProbeResult{
				Status:    "ok",
				LatencyMs: &latency,
				TestType:  ProbeListModels,
				Message:   "连接成功（不支持模型列表接口，将尝试 chat 验证）",
			}
		}
		res := p.runModelProbe(ctx, target, ProbeChat, preset.TestModel)
		res.TestModelID = &preset.TestModel
		return res
	}

	return evaluateFailure(ProbeListModels, latency, listErr)
}

// runModelProbe issues one minimal inference against an explicit model.
func (p *Prober) runModelProbe(ctx context.Context, target upstream.Target, testType, model string) *ProbeResult {
	target.Model = model

	var err error
	one := 1
	start := time.Now()
	switch testType {
	case ProbeChat:
		_, err = p.runtime.Chat(ctx, target, upstream.ChatRequest{
			Messages:  []upstream.Message{{Role: "user", Content: "ping"}},
			MaxTokens: &one,
		})
	case ProbeEmbedding:
		_, err = p.runtime.Embed(ctx, target, upstream.EmbeddingRequest{
			Input: []string{"ping"},
		})
	case ProbeRerank:
		_, err = p.runtime.Rerank(ctx, target, upstream.RerankRequest{
			Query:     "test",
			Documents: []string{"test"},
		})
	}
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return evaluateFailure(testType, latency, err)
	}
	return &ProbeResult{
		Status:    "ok",
		LatencyMs: &latency,
		TestType:  testType,
		Message:   "连接成功",
	}
}

// evaluateFailure maps one upstream failure onto the operator-facing probe
// vocabulary.
func evaluateFailure(testType string, latency int64, err error) *ProbeResult {
	res := &ProbeResult{
		Status:    "error",
		LatencyMs: &latency,
		TestType:  testType,
	}

	var ue *upstream.Error
	if !errors.As(err, &ue) {
		res.Message = "无法连接到 Provider"
		res.ErrorDetail = strPtr(err.Error())
		return res
	}

	switch {
	case ue.Timeout:
		res.Message = "连接超时"
		res.ErrorDetail = strPtr("请求在 10 秒内未响应")
	case ue.StatusCode == 401 || ue.StatusCode == 403:
		res.Message = fmt.Sprintf("API Key 无效或权限不足 (HTTP %d)", ue.StatusCode)
		res.ErrorDetail = strPtr(snippet(ue.Body))
	case ue.StatusCode >= 400:
		res.Message = fmt.Sprintf("Provider 返回 HTTP %d", ue.StatusCode)
		res.ErrorDetail = strPtr(snippet(ue.Body))
	default:
		res.Message = "无法连接到 Provider"
		res.ErrorDetail = strPtr(ue.Message)
	}
	return res
}

func presetFor(prov *store.Provider) (presets.Preset, bool) {
	id, ok := prov.Config["preset_id"].(string)
	if !ok {
		return presets.Preset{}, false
	}
	return presets.Get(id)
}

func snippet(s string) string {
	if len(s) > probeDetailSnippet {
		return s[:probeDetailSnippet]
	}
	return s
}

func strPtr(s string) *string { return &s }
