package dispatch

import (
	"github.com/shopspring/decimal"

	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Cost is the per-request price breakdown in USD.
type Cost struct {
	Input   decimal.Decimal
	Output  decimal.Decimal
	Cached  decimal.Decimal
	Request decimal.Decimal
	Total   decimal.Decimal
}

// computeCost prices the final usage against the binding's price sheet.
//
// Cached prompt tokens are billed at the cached-input rate instead of the
// full input rate. The binding discount applies to the whole total.
func computeCost(b *catalog.ProviderBinding, u providers.Usage) Cost {
	freshPrompt := u.PromptTokens - u.CachedTokens
	if freshPrompt < 0 {
		freshPrompt = 0
	}

	completion := u.CompletionTokens + u.ReasoningTokens

	c := Cost{
		Input:   decimal.NewFromInt(int64(freshPrompt)).Mul(decimal.NewFromFloat(b.Pricing.InputPerTok)),
		Output:  decimal.NewFromInt(int64(completion)).Mul(decimal.NewFromFloat(b.Pricing.OutputPerTok)),
		Cached:  decimal.NewFromInt(int64(u.CachedTokens)).Mul(decimal.NewFromFloat(b.Pricing.CachedInputPerTok)),
		Request: decimal.NewFromFloat(b.Pricing.PerRequest),
	}

	total := c.Input.Add(c.Output).Add(c.Cached).Add(c.Request)
	if b.Discount > 0 {
		total = total.Mul(decimal.NewFromFloat(1 - b.Discount))
	}
	c.Total = total

	return c
}

// estimateCost is the upper-bound precheck estimate for a request: the
// approximate input token count at the candidates' worst input price plus the
// requested (or binding maximum) output at the worst output price.
func estimateCost(candidates []catalog.ProviderBinding, req *providers.Request) decimal.Decimal {
	var inPrice, outPrice float64
	maxOut := req.MaxTokens

	for i := range candidates {
		b := &candidates[i]
		if p := b.EffectiveInputPrice(); p > inPrice {
			inPrice = p
		}
		if b.Pricing.OutputPerTok > outPrice {
			outPrice = b.Pricing.OutputPerTok
		}
		if req.MaxTokens == 0 && b.MaxOutput > maxOut {
			maxOut = b.MaxOutput
		}
	}

	in := decimal.NewFromInt(int64(providers.ApproxTokens(req.Messages))).Mul(decimal.NewFromFloat(inPrice))
	out := decimal.NewFromInt(int64(maxOut)).Mul(decimal.NewFromFloat(outPrice))
	return in.Add(out)
}

func costFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
