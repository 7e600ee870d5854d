package models

// registerBuiltins populates the default registry. Prices are USD per
// million tokens and drift with provider announcements; treat them as
// estimates.
func (c *Catalog) registerBuiltins() {
	builtins := []*Entry{
		{
			ID:       "gpt-4o",
			Provider: ProviderOpenAI,
			Aliases:  []string{"gpt-4o-latest"},
			Class:    ClassStandard,
			Score:    80,
			Features: Features{
				ContextLength: 128000,
				Input:         []string{"text", "image"},
				ToolUse:       true,
				Streaming:     true,
				JSONOutput:    true,
			},
			Pricing:           Pricing{InputPerMillion: 2.5, OutputPerMillion: 10, CachedPerMillion: 1.25},
			RateLimitFallback: "gpt-4o-mini",
		},
		{
			ID:       "gpt-4o-mini",
			Provider: ProviderOpenAI,
			Class:    ClassMini,
			Score:    70,
			Features: Features{
				ContextLength: 128000,
				Input:         []string{"text", "image"},
				ToolUse:       true,
				Streaming:     true,
				JSONOutput:    true,
			},
			Pricing: Pricing{InputPerMillion: 0.15, OutputPerMillion: 0.6, CachedPerMillion: 0.075},
		},
		{
			ID:       "o3-mini",
			Provider: ProviderOpenAI,
			Class:    ClassReasoning,
			Score:    60,
			Features: Features{
				ContextLength:   200000,
				Input:           []string{"text"},
				ToolUse:         true,
				Streaming:       true,
				JSONOutput:      true,
				ReasoningOutput: true,
			},
			Pricing: Pricing{InputPerMillion: 1.1, OutputPerMillion: 4.4},
		},
		{
			ID:       "claude-sonnet-4",
			Provider: ProviderAnthropic,
			Aliases:  []string{"claude-sonnet-4-20250514"},
			Class:    ClassStandard,
			Score:    90,
			Features: Features{
				ContextLength: 200000,
				Input:         []string{"text", "image"},
				ToolUse:       true,
				Streaming:     true,
			},
			// Tiered: long-context calls bill at the higher band.
			Pricing: Pricing{
				InputPerMillion:      3,
				OutputPerMillion:     15,
				Threshold:            200000,
				InputAboveThreshold:  6,
				OutputAboveThreshold: 22.5,
			},
			RateLimitFallback: "claude-haiku-3-5",
		},
		{
			ID:       "claude-haiku-3-5",
			Provider: ProviderAnthropic,
			Aliases:  []string{"claude-3-5-haiku-latest"},
			Class:    ClassMini,
			Score:    60,
			Features: Features{
				ContextLength: 200000,
				Input:         []string{"text", "image"},
				ToolUse:       true,
				Streaming:     true,
			},
			Pricing: Pricing{InputPerMillion: 0.8, OutputPerMillion: 4},
		},
		{
			ID:       "claude-opus-4",
			Provider: ProviderAnthropic,
			Class:    ClassReasoning,
			Score:    80,
			Features: Features{
				ContextLength:   200000,
				Input:           []string{"text", "image"},
				ToolUse:         true,
				Streaming:       true,
				ReasoningOutput: true,
			},
			Pricing: Pricing{InputPerMillion: 15, OutputPerMillion: 75},
		},
		{
			ID:       "deepseek-chat",
			Provider: ProviderOpenAI,
			Class:    ClassMini,
			Score:    40,
			Features: Features{
				ContextLength: 64000,
				Input:         []string{"text"},
				ToolUse:       true,
				Streaming:     true,
				JSONOutput:    true,
			},
			// Time-of-day pricing with a UTC off-peak discount window.
			Pricing: Pricing{
				PeakStartUTC:  0,
				PeakEndUTC:    16,
				PeakInput:     0.27,
				PeakOutput:    1.1,
				OffPeakInput:  0.135,
				OffPeakOutput: 0.55,
			},
		},
	}

	for _, e := range builtins {
		c.Register(e)
	}
}
