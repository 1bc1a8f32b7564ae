package provider

import (
	"fmt"
	"strings"
)

// Canonical backend ids accepted by Build.
const (
	BackendOpenAI     = "openai"
	BackendClaude     = "claude"
	BackendGemini     = "gemini"
	BackendOpenRouter = "openrouter"
	BackendDeepSeek   = "deepseek"
	BackendGroq       = "groq"
	BackendVLLM       = "vllm"
)

// backendAliases maps common aliases to canonical backend ids.
var backendAliases = map[string]string{
	"":          BackendOpenAI,
	"gpt":       BackendOpenAI,
	"anthropic": BackendClaude,
	"google":    BackendGemini,
}

// NormalizeBackend resolves aliases; an empty id means openai.
func NormalizeBackend(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := backendAliases[lower]; ok {
		return canonical
	}
	return lower
}

// NeedsAlternation reports whether a backend rejects consecutive turns with
// the same role.
func NeedsAlternation(backend string) bool {
	return NormalizeBackend(backend) == BackendClaude
}

// Build constructs the provider for a backend id.
func Build(backend, apiKey, apiBase, model string) (LLMProvider, error) {
	id := NormalizeBackend(backend)
	switch id {
	case BackendOpenAI:
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case BackendClaude:
		if apiBase == "" {
			apiBase = "https://api.anthropic.com/v1"
		}
		if model == "" {
			model = "claude-3-5-sonnet-20240620"
		}
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case BackendGemini:
		return NewGeminiProvider(apiKey, apiBase, model), nil
	case BackendOpenRouter:
		if apiBase == "" {
			apiBase = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case BackendDeepSeek:
		if apiBase == "" {
			apiBase = "https://api.deepseek.com/v1"
		}
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case BackendGroq:
		if apiBase == "" {
			apiBase = "https://api.groq.com/openai/v1"
		}
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	case BackendVLLM:
		if apiBase == "" {
			return nil, fmt.Errorf("provider vllm: apiBase is required")
		}
		return NewOpenAIProvider(apiKey, apiBase, model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: openai, claude, gemini, openrouter, deepseek, groq, vllm)", backend)
	}
}
