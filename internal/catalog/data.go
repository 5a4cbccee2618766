package catalog

import "github.com/relaypoint/llm-gateway/internal/providers"

// knownProviders is the provider table. KeyEnvVar names the environment
// variable holding the gateway-owned API key for that provider.
var knownProviders = []ProviderInfo{
	{ID: "openai", DisplayName: "OpenAI", BaseURL: "https://api.openai.com/v1", Auth: AuthBearer, KeyEnvVar: "LLM_OPENAI_API_KEY", NativeSSE: true},
	{ID: "anthropic", DisplayName: "Anthropic", BaseURL: "https://api.anthropic.com/v1", Auth: AuthAPIKeyHeader, KeyEnvVar: "LLM_ANTHROPIC_API_KEY", NativeSSE: true},
	{ID: "google", DisplayName: "Google AI Studio", BaseURL: "https://generativelanguage.googleapis.com", Auth: AuthAPIKeyHeader, KeyEnvVar: "LLM_GOOGLE_API_KEY", NativeSSE: true},
	{ID: "bedrock", DisplayName: "AWS Bedrock", BaseURL: "https://bedrock-runtime.%s.amazonaws.com", Auth: AuthSignedAWS, KeyEnvVar: "LLM_BEDROCK_ACCESS_KEY", NativeSSE: false},
	{ID: "azure", DisplayName: "Azure OpenAI", BaseURL: "https://%s.openai.azure.com", Auth: AuthAPIKeyHeader, KeyEnvVar: "LLM_AZURE_API_KEY", NativeSSE: true},
	{ID: "groq", DisplayName: "Groq", BaseURL: "https://api.groq.com/openai/v1", Auth: AuthBearer, KeyEnvVar: "LLM_GROQ_API_KEY", NativeSSE: true},
	{ID: "together", DisplayName: "Together AI", BaseURL: "https://api.together.xyz/v1", Auth: AuthBearer, KeyEnvVar: "LLM_TOGETHER_API_KEY", NativeSSE: true},
	{ID: "inference", DisplayName: "Inference.net", BaseURL: "https://api.inference.net/v1", Auth: AuthBearer, KeyEnvVar: "LLM_INFERENCE_API_KEY", NativeSSE: true},
	{ID: "xai", DisplayName: "xAI", BaseURL: "https://api.x.ai/v1", Auth: AuthBearer, KeyEnvVar: "LLM_XAI_API_KEY", NativeSSE: true},
	{ID: "deepseek", DisplayName: "DeepSeek", BaseURL: "https://api.deepseek.com/v1", Auth: AuthBearer, KeyEnvVar: "LLM_DEEPSEEK_API_KEY", NativeSSE: true},
}

// Shared capability presets.
var (
	capsFull = providers.Capabilities{
		Streaming: true, Vision: true, Tools: true, ParallelToolCalls: true, JSONOutput: true,
	}
	capsText = providers.Capabilities{
		Streaming: true, Tools: true, JSONOutput: true,
	}
	capsReasoning = providers.Capabilities{
		Streaming: true, Tools: true, JSONOutput: true, Reasoning: true,
	}
)

// knownModels is the model table. Token prices are USD per token.
var knownModels = []ModelEntry{
	{
		ID: "gpt-4o", DisplayName: "GPT-4o", Family: "gpt-4",
		Bindings: []ProviderBinding{
			{Provider: "openai", ProviderModel: "gpt-4o", ContextWindow: 128000, MaxOutput: 16384,
				Pricing:      Pricing{InputPerTok: 0.0000025, OutputPerTok: 0.00001, CachedInputPerTok: 0.00000125},
				Capabilities: capsFull, Stability: StabilityStable},
			{Provider: "azure", ProviderModel: "gpt-4o", ContextWindow: 128000, MaxOutput: 16384,
				Pricing:      Pricing{InputPerTok: 0.0000025, OutputPerTok: 0.00001},
				Capabilities: capsFull, Stability: StabilityBeta},
		},
	},
	{
		ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Family: "gpt-4",
		Bindings: []ProviderBinding{
			{Provider: "openai", ProviderModel: "gpt-4o-mini", ContextWindow: 128000, MaxOutput: 16384,
				Pricing:      Pricing{InputPerTok: 0.00000015, OutputPerTok: 0.0000006, CachedInputPerTok: 0.000000075},
				Capabilities: capsFull, Stability: StabilityStable},
			{Provider: "azure", ProviderModel: "gpt-4o-mini", ContextWindow: 128000, MaxOutput: 16384,
				Pricing:      Pricing{InputPerTok: 0.00000015, OutputPerTok: 0.0000006},
				Capabilities: capsFull, Stability: StabilityBeta},
		},
	},
	{
		ID: "o3-mini", DisplayName: "o3-mini", Family: "o",
		Bindings: []ProviderBinding{
			{Provider: "openai", ProviderModel: "o3-mini", ContextWindow: 200000, MaxOutput: 100000,
				Pricing:      Pricing{InputPerTok: 0.0000011, OutputPerTok: 0.0000044, CachedInputPerTok: 0.00000055},
				Capabilities: capsReasoning, Stability: StabilityStable},
		},
	},
	{
		ID: "claude-3-5-sonnet", DisplayName: "Claude 3.5 Sonnet", Family: "claude-3",
		Bindings: []ProviderBinding{
			{Provider: "anthropic", ProviderModel: "claude-3-5-sonnet-20241022", ContextWindow: 200000, MaxOutput: 8192,
				Pricing:      Pricing{InputPerTok: 0.000003, OutputPerTok: 0.000015, CachedInputPerTok: 0.0000003},
				Capabilities: capsFull, Stability: StabilityStable},
			{Provider: "bedrock", ProviderModel: "anthropic.claude-3-5-sonnet-20241022-v2:0", ContextWindow: 200000, MaxOutput: 8192,
				Pricing:      Pricing{InputPerTok: 0.000003, OutputPerTok: 0.000015},
				Capabilities: capsText, Stability: StabilityBeta},
		},
	},
	{
		ID: "claude-3-haiku", DisplayName: "Claude 3 Haiku", Family: "claude-3",
		Bindings: []ProviderBinding{
			{Provider: "anthropic", ProviderModel: "claude-3-haiku-20240307", ContextWindow: 200000, MaxOutput: 4096,
				Pricing:      Pricing{InputPerTok: 0.00000025, OutputPerTok: 0.00000125},
				Capabilities: capsFull, Stability: StabilityStable},
			{Provider: "bedrock", ProviderModel: "anthropic.claude-3-haiku-20240307-v1:0", ContextWindow: 200000, MaxOutput: 4096,
				Pricing:      Pricing{InputPerTok: 0.00000025, OutputPerTok: 0.00000125},
				Capabilities: capsText, Stability: StabilityBeta},
		},
	},
	{
		ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Family: "gemini",
		Bindings: []ProviderBinding{
			{Provider: "google", ProviderModel: "gemini-2.0-flash", ContextWindow: 1048576, MaxOutput: 8192,
				Pricing:      Pricing{InputPerTok: 0.0000001, OutputPerTok: 0.0000004},
				Capabilities: capsFull, Stability: StabilityStable},
		},
	},
	{
		ID: "gemini-1.5-pro", DisplayName: "Gemini 1.5 Pro", Family: "gemini",
		Bindings: []ProviderBinding{
			{Provider: "google", ProviderModel: "gemini-1.5-pro", ContextWindow: 2000000, MaxOutput: 8192,
				Pricing:      Pricing{InputPerTok: 0.00000125, OutputPerTok: 0.000005},
				Capabilities: capsFull, Stability: StabilityStable},
		},
	},
	{
		ID: "llama-3.3-70b", DisplayName: "Llama 3.3 70B Instruct", Family: "llama-3",
		Bindings: []ProviderBinding{
			{Provider: "groq", ProviderModel: "llama-3.3-70b-versatile", ContextWindow: 131072, MaxOutput: 32768,
				Pricing:      Pricing{InputPerTok: 0.00000059, OutputPerTok: 0.00000079},
				Capabilities: capsText, Stability: StabilityStable},
			{Provider: "together", ProviderModel: "meta-llama/Llama-3.3-70B-Instruct-Turbo", ContextWindow: 131072, MaxOutput: 4096,
				Pricing:      Pricing{InputPerTok: 0.00000088, OutputPerTok: 0.00000088},
				Capabilities: capsText, Stability: StabilityStable},
			{Provider: "inference", ProviderModel: "meta-llama/llama-3.3-70b-instruct", ContextWindow: 131072, MaxOutput: 4096,
				Pricing:      Pricing{InputPerTok: 0.0000004, OutputPerTok: 0.0000004},
				Capabilities: capsText, Stability: StabilityUnstable},
		},
	},
	{
		ID: "deepseek-chat", DisplayName: "DeepSeek V3", Family: "deepseek",
		Bindings: []ProviderBinding{
			{Provider: "deepseek", ProviderModel: "deepseek-chat", ContextWindow: 65536, MaxOutput: 8192,
				Pricing:      Pricing{InputPerTok: 0.00000027, OutputPerTok: 0.0000011, CachedInputPerTok: 0.00000007},
				Capabilities: capsText, Stability: StabilityStable},
			{Provider: "together", ProviderModel: "deepseek-ai/DeepSeek-V3", ContextWindow: 65536, MaxOutput: 8192,
				Pricing:      Pricing{InputPerTok: 0.00000125, OutputPerTok: 0.00000125},
				Capabilities: capsText, Stability: StabilityBeta},
		},
	},
	{
		ID: "grok-3", DisplayName: "Grok 3", Family: "grok",
		Bindings: []ProviderBinding{
			{Provider: "xai", ProviderModel: "grok-3", ContextWindow: 131072, MaxOutput: 16384,
				Pricing:      Pricing{InputPerTok: 0.000003, OutputPerTok: 0.000015},
				Capabilities: capsText, Stability: StabilityBeta},
		},
	},
}

// modelAliases maps historical and dated model names onto table ids.
var modelAliases = map[string]string{
	"gpt-4o-2024-11-20":          "gpt-4o",
	"gpt-4o-2024-08-06":          "gpt-4o",
	"gpt-4o-mini-2024-07-18":     "gpt-4o-mini",
	"claude-3-5-sonnet-20241022": "claude-3-5-sonnet",
	"claude-3-5-sonnet-latest":   "claude-3-5-sonnet",
	"claude-3-haiku-20240307":    "claude-3-haiku",
	"gemini-2.0-flash-001":       "gemini-2.0-flash",
	"gemini-1.5-pro-002":         "gemini-1.5-pro",
	"llama-3.3-70b-versatile":    "llama-3.3-70b",
	"deepseek-v3":                "deepseek-chat",
	"grok-3-latest":              "grok-3",
}
