package llm

import "strings"

// knownModels maps model-name prefixes to their limits. The longest matching
// prefix wins, so "gpt-4o-mini" resolves to "gpt-4o" rather than "gpt-4".
var knownModels = map[string]ModelCapabilities{
	"gpt-3.5-turbo": {ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true},
	"gpt-4":         {ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true},
	"gpt-4-turbo":   {ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true},
	"gpt-4o":        {ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true},
	"o1":            {ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true},
	"o1-mini":       {ContextWindow: 128_000, MaxOutputTokens: 65_536},
	"o3":            {ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true},
	"claude":        {ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsToolCalling: true},
	"gemini":        {ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true},
	"deepseek":      {ContextWindow: 128_000, MaxOutputTokens: 8_192, SupportsToolCalling: true},
	"qwen-turbo":    {ContextWindow: 1_000_000, MaxOutputTokens: 8_192, SupportsToolCalling: true},
	"qwen-plus":     {ContextWindow: 131_072, MaxOutputTokens: 8_192, SupportsToolCalling: true},
	"qwen-max":      {ContextWindow: 32_768, MaxOutputTokens: 8_192, SupportsToolCalling: true},
}

// LookupCapabilities returns the limits of model, matched case-insensitively
// by prefix, or fallback when the family is unknown.
func LookupCapabilities(model string, fallback ModelCapabilities) ModelCapabilities {
	lower := strings.ToLower(model)
	best, found := "", false
	for prefix := range knownModels {
		if strings.HasPrefix(lower, prefix) && len(prefix) > len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		return fallback
	}
	return knownModels[best]
}
