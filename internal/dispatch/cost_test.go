package dispatch

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/providers"
)

func testBinding() *catalog.ProviderBinding {
	return &catalog.ProviderBinding{
		Provider: "openai",
		Pricing: catalog.Pricing{
			InputPerTok:       0.000003,
			OutputPerTok:      0.000015,
			CachedInputPerTok: 0.0000003,
		},
	}
}

func mustDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestComputeCost_Basic(t *testing.T) {
	c := computeCost(testBinding(), providers.Usage{PromptTokens: 1000, CompletionTokens: 100})

	if !c.Input.Equal(mustDec("0.003")) {
		t.Errorf("input cost = %s, want 0.003", c.Input)
	}
	if !c.Output.Equal(mustDec("0.0015")) {
		t.Errorf("output cost = %s, want 0.0015", c.Output)
	}
	if !c.Total.Equal(mustDec("0.0045")) {
		t.Errorf("total = %s, want 0.0045", c.Total)
	}
}

func TestComputeCost_CachedTokensBilledAtCachedRate(t *testing.T) {
	// 1000 prompt tokens, 400 of them from the prompt cache.
	c := computeCost(testBinding(), providers.Usage{PromptTokens: 1000, CachedTokens: 400, CompletionTokens: 0})

	if !c.Input.Equal(mustDec("0.0018")) { // 600 × 3e-6
		t.Errorf("input cost = %s, want 0.0018", c.Input)
	}
	if !c.Cached.Equal(mustDec("0.00012")) { // 400 × 3e-7
		t.Errorf("cached cost = %s, want 0.00012", c.Cached)
	}
}

func TestComputeCost_DiscountApplied(t *testing.T) {
	b := testBinding()
	b.Discount = 0.5

	c := computeCost(b, providers.Usage{PromptTokens: 1000, CompletionTokens: 100})
	if !c.Total.Equal(mustDec("0.00225")) {
		t.Errorf("discounted total = %s, want 0.00225", c.Total)
	}
}

func TestComputeCost_ReasoningBilledAsOutput(t *testing.T) {
	c := computeCost(testBinding(), providers.Usage{PromptTokens: 10, CompletionTokens: 10, ReasoningTokens: 90})
	// (10+90) × 15e-6 output.
	if !c.Output.Equal(mustDec("0.0015")) {
		t.Errorf("output cost = %s, want 0.0015", c.Output)
	}
}

// TestComputeCost_Monotonic: for fixed pricing, more tokens never cost less.
func TestComputeCost_Monotonic(t *testing.T) {
	b := testBinding()

	prev := decimal.Zero
	for _, u := range []providers.Usage{
		{PromptTokens: 1, CompletionTokens: 1},
		{PromptTokens: 10, CompletionTokens: 1},
		{PromptTokens: 10, CompletionTokens: 50},
		{PromptTokens: 500, CompletionTokens: 50},
		{PromptTokens: 500, CompletionTokens: 5000},
	} {
		c := computeCost(b, u)
		if c.Total.LessThan(prev) {
			t.Fatalf("cost decreased: %s after %s for %+v", c.Total, prev, u)
		}
		prev = c.Total
	}
}

func TestEstimateCost_UpperBoundsWorstCandidate(t *testing.T) {
	candidates := []catalog.ProviderBinding{
		{Provider: "cheap", Pricing: catalog.Pricing{InputPerTok: 0.000001, OutputPerTok: 0.000001}, MaxOutput: 100},
		{Provider: "pricey", Pricing: catalog.Pricing{InputPerTok: 0.00001, OutputPerTok: 0.00002}, MaxOutput: 200},
	}

	req := &providers.Request{
		Messages:  []providers.Message{{Role: "user", Content: "aaaaaaaaaaaaaaaa"}}, // 16 chars ≈ 4 tokens
		MaxTokens: 50,
	}

	// 4 × 1e-5 + 50 × 2e-5 = 0.00104
	got := estimateCost(candidates, req)
	if !got.Equal(mustDec("0.00104")) {
		t.Errorf("estimate = %s, want 0.00104", got)
	}

	// Without max_tokens, the largest binding output cap bounds the estimate.
	req.MaxTokens = 0
	got = estimateCost(candidates, req)
	if !got.Equal(mustDec("0.00404")) { // 4 × 1e-5 + 200 × 2e-5
		t.Errorf("estimate = %s, want 0.00404", got)
	}
}
