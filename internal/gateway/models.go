package gateway

import (
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/llm-gateway/internal/catalog"
)

type (
	modelArchitecture struct {
		InputModalities  []string `json:"input_modalities"`
		OutputModalities []string `json:"output_modalities"`
	}

	modelPricing struct {
		Input       float64 `json:"input"`
		Output      float64 `json:"output"`
		CachedInput float64 `json:"cached_input,omitempty"`
		PerRequest  float64 `json:"per_request,omitempty"`
		PerImage    float64 `json:"per_image,omitempty"`
	}

	modelProviderView struct {
		ProviderID string        `json:"provider_id"`
		ModelName  string        `json:"model_name"`
		Stability  string        `json:"stability"`
		Pricing    *modelPricing `json:"pricing,omitempty"`
	}

	modelView struct {
		ID           string              `json:"id"`
		Object       string              `json:"object"`
		Name         string              `json:"name"`
		Family       string              `json:"family"`
		Architecture modelArchitecture   `json:"architecture"`
		Providers    []modelProviderView `json:"providers"`
		Pricing      *modelPricing       `json:"pricing,omitempty"`

		DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
		DeprecatedAt  *time.Time `json:"deprecated_at,omitempty"`
	}

	modelList struct {
		Object string      `json:"object"`
		Data   []modelView `json:"data"`
	}
)

// handleModels serves GET /v1/models. Query parameters:
//
//	include_deactivated — include bindings past their deactivation date
//	exclude_deprecated  — hide bindings past their deprecation date
func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	includeDeactivated := string(ctx.QueryArgs().Peek("include_deactivated")) == "true"
	excludeDeprecated := string(ctx.QueryArgs().Peek("exclude_deprecated")) == "true"

	out := modelList{Object: "list"}

	for _, m := range s.cat.Models() {
		view := modelView{
			ID:     m.ID,
			Object: "model",
			Name:   m.DisplayName,
			Family: m.Family,
		}

		var best *catalog.ProviderBinding
		vision := false

		for i := range m.Bindings {
			b := &m.Bindings[i]
			if !b.Active() && !includeDeactivated {
				continue
			}
			if excludeDeprecated && b.Deprecated() {
				continue
			}
			if b.Capabilities.Vision {
				vision = true
			}
			if b.DeactivatedAt != nil {
				view.DeactivatedAt = b.DeactivatedAt
			}
			if b.DeprecatedAt != nil {
				view.DeprecatedAt = b.DeprecatedAt
			}

			view.Providers = append(view.Providers, modelProviderView{
				ProviderID: b.Provider,
				ModelName:  b.ProviderModel,
				Stability:  b.Stability.String(),
				Pricing:    bindingPricing(b),
			})

			if b.Active() && (best == nil || b.EffectiveInputPrice() < best.EffectiveInputPrice()) {
				best = b
			}
		}

		if len(view.Providers) == 0 {
			continue
		}

		view.Architecture = modelArchitecture{
			InputModalities:  inputModalities(vision),
			OutputModalities: []string{"text"},
		}
		if best != nil {
			view.Pricing = bindingPricing(best)
		}

		out.Data = append(out.Data, view)
	}

	writeJSON(ctx, out)
}

func bindingPricing(b *catalog.ProviderBinding) *modelPricing {
	return &modelPricing{
		Input:       b.Pricing.InputPerTok,
		Output:      b.Pricing.OutputPerTok,
		CachedInput: b.Pricing.CachedInputPerTok,
		PerRequest:  b.Pricing.PerRequest,
		PerImage:    b.Pricing.PerImage,
	}
}

func inputModalities(vision bool) []string {
	if vision {
		return []string{"text", "image"}
	}
	return []string{"text"}
}
