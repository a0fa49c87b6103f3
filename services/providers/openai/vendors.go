package openai

import (
	"sort"

	"github.com/upb/llm-provider-manager/services/providers"
)

// CompatibleType is the builder type for any OpenAI-compatible endpoint.
// It requires an explicit APIBase.
const CompatibleType = "openai_compatible"

// vendor describes a known OpenAI-compatible backend
type vendor struct {
	baseURL      string
	capabilities providers.Capabilities
}

var vendors = map[string]vendor{
	"openai": {
		baseURL: "https://api.openai.com/v1",
		capabilities: providers.Capabilities{
			Streaming:       true,
			Embedding:       true,
			ImageAnalysis:   true,
			SpeechSynthesis: true,
		},
	},
	"groq": {
		baseURL:      "https://api.groq.com/openai/v1",
		capabilities: providers.Capabilities{Streaming: true},
	},
	"together": {
		baseURL:      "https://api.together.xyz/v1",
		capabilities: providers.Capabilities{Streaming: true, Embedding: true},
	},
	"deepseek": {
		baseURL:      "https://api.deepseek.com/v1",
		capabilities: providers.Capabilities{Streaming: true},
	},
	"mistral": {
		baseURL:      "https://api.mistral.ai/v1",
		capabilities: providers.Capabilities{Streaming: true, Embedding: true},
	},
	"openrouter": {
		baseURL:      "https://openrouter.ai/api/v1",
		capabilities: providers.Capabilities{Streaming: true, ImageAnalysis: true},
	},
}

// Vendors returns the known vendor names in sorted order
func Vendors() []string {
	names := make([]string, 0, len(vendors))
	for name := range vendors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builder returns a ProviderBuilder creating adapters for the vendor
func Builder(name string) providers.ProviderBuilder {
	return func(providers.ProviderConfig) (providers.Provider, error) {
		return NewAdapter(name), nil
	}
}

// RegisterBuilders adds a builder for every known vendor and for CompatibleType
func RegisterBuilders(factory *providers.Factory) *providers.Factory {
	for _, name := range Vendors() {
		factory.WithBuilder(name, Builder(name))
	}
	return factory.WithBuilder(CompatibleType, Builder(CompatibleType))
}

// modelPrice is the USD price per token
type modelPrice struct {
	prompt     float64
	completion float64
}

var modelPrices = map[string]modelPrice{
	"gpt-4o":                  {prompt: 0.0000025, completion: 0.00001},
	"gpt-4o-mini":             {prompt: 0.00000015, completion: 0.0000006},
	"gpt-4-turbo":             {prompt: 0.00001, completion: 0.00003},
	"gpt-3.5-turbo":           {prompt: 0.0000005, completion: 0.0000015},
	"llama-3.1-8b-instant":    {prompt: 0.00000005, completion: 0.00000008},
	"llama-3.3-70b-versatile": {prompt: 0.00000059, completion: 0.00000079},
	"deepseek-chat":           {prompt: 0.00000027, completion: 0.0000011},
	"mistral-small-latest":    {prompt: 0.0000002, completion: 0.0000006},
	"mistral-large-latest":    {prompt: 0.000002, completion: 0.000006},
	"text-embedding-3-small":  {prompt: 0.00000002},
	"text-embedding-3-large":  {prompt: 0.00000013},
}

// cost prices usage for a model, 0 when the model is not listed
func cost(model string, usage providers.Usage) float64 {
	price, ok := modelPrices[model]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*price.prompt + float64(usage.CompletionTokens)*price.completion
}
