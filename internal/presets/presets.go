// Package presets holds the compiled-in provider preset catalog.
//
// A preset describes a well-known OpenAI-compatible SaaS endpoint so an
// operator can register a provider by pasting only an API key: provider_type
// and base_url are filled from the preset, and test_model supplies a cheap
// known-working model for the connectivity prober when the endpoint does not
// implement GET /models.
package presets

// Preset is one catalog entry.
type Preset struct {
	ID           string `json:"preset_id"`
	Name         string `json:"name"`
	ProviderType string `json:"provider_type"`
	BaseURL      string `json:"base_url"`
	Description  string `json:"description"`
	TestModel    string `json:"test_model,omitempty"`
}

var catalog = []Preset{
	{
		ID:           "openrouter",
		Name:         "OpenRouter",
		ProviderType: "openai",
		BaseURL:      "https://openrouter.ai/api/v1",
		Description:  "聚合多家模型的统一 API 网关",
		TestModel:    "openrouter/auto",
	},
	{
		ID:           "kimi",
		Name:         "Kimi",
		ProviderType: "openai",
		BaseURL:      "https://api.moonshot.cn/v1",
		Description:  "月之暗面旗下长上下文大模型",
		TestModel:    "moonshot-v1-8k",
	},
	{
		ID:           "zhipu",
		Name:         "智谱 AI",
		ProviderType: "openai",
		BaseURL:      "https://open.bigmodel.cn/api/paas/v4",
		Description:  "智谱旗下 GLM 系列大模型",
		TestModel:    "glm-4-flash-250414",
	},
	{
		ID:           "aiping",
		Name:         "AIPing",
		ProviderType: "openai",
		BaseURL:      "https://aiping.cn/api/v1",
		Description:  "AI Ping 大模型服务评测与 API 调用平台",
		TestModel:    "DeepSeek-V3.2",
	},
	{
		ID:           "minimax",
		Name:         "MiniMax",
		ProviderType: "openai",
		BaseURL:      "https://api.minimaxi.com/v1",
		Description:  "MiniMax 大模型开放平台",
		TestModel:    "MiniMax-M2.5",
	},
	{
		ID:           "siliconflow",
		Name:         "硅基流动",
		ProviderType: "openai",
		BaseURL:      "https://api.siliconflow.cn/v1",
		Description:  "硅基流动大模型推理加速平台",
		TestModel:    "Qwen/Qwen2.5-7B-Instruct",
	},
}

var byID = func() map[string]Preset {
	m := make(map[string]Preset, len(catalog))
	for _, p := range catalog {
		m[p.ID] = p
	}
	return m
}()

// Get returns the preset for id, if registered.
func Get(id string) (Preset, bool) {
	p, ok := byID[id]
	return p, ok
}

// All returns the catalog in declaration order. The slice is a copy.
func All() []Preset {
	out := make([]Preset, len(catalog))
	copy(out, catalog)
	return out
}
