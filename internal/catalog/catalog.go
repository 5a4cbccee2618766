// Package catalog holds the static model and provider tables: which models
// exist, which providers serve them, at what price, and with which
// capabilities. The catalog is loaded once at startup and read-only
// thereafter.
package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Stability is the declared maturity of a (model, provider) binding.
// Lower values sort earlier in the fallback candidate order.
type Stability int

const (
	StabilityStable Stability = iota
	StabilityBeta
	StabilityUnstable
	StabilityExperimental
)

func (s Stability) String() string {
	switch s {
	case StabilityStable:
		return "stable"
	case StabilityBeta:
		return "beta"
	case StabilityUnstable:
		return "unstable"
	default:
		return "experimental"
	}
}

// AuthScheme is how a provider authenticates requests.
type AuthScheme int

const (
	AuthBearer AuthScheme = iota
	AuthAPIKeyHeader
	AuthSignedAWS
)

type (
	// Pricing is the per-binding price sheet. Token prices are USD per token;
	// PerRequest and PerImage use their own units (USD per request / image).
	Pricing struct {
		InputPerTok       float64
		OutputPerTok      float64
		CachedInputPerTok float64
		PerRequest        float64
		PerImage          float64
	}

	// ProviderBinding ties a model to one provider that serves it.
	ProviderBinding struct {
		Provider      string // provider id, e.g. "openai"
		ProviderModel string // the provider's own model name
		Pricing       Pricing
		ContextWindow int
		MaxOutput     int
		Capabilities  providers.Capabilities

		// Discount is a fraction [0,1) subtracted from the computed cost.
		Discount float64

		Stability     Stability
		DeactivatedAt *time.Time
		DeprecatedAt  *time.Time
	}

	// ModelEntry is one row of the model table.
	ModelEntry struct {
		ID          string
		DisplayName string
		Family      string
		Bindings    []ProviderBinding
	}

	// ProviderInfo describes one upstream provider.
	ProviderInfo struct {
		ID          string
		DisplayName string
		BaseURL     string
		Auth        AuthScheme
		KeyEnvVar   string
		NativeSSE   bool
	}
)

// EffectiveInputPrice is the input token price after the binding discount.
func (b *ProviderBinding) EffectiveInputPrice() float64 {
	return b.Pricing.InputPerTok * (1 - b.Discount)
}

// Active reports whether the binding is servable (not deactivated).
func (b *ProviderBinding) Active() bool {
	return b.DeactivatedAt == nil || b.DeactivatedAt.After(time.Now())
}

// Deprecated reports whether the binding has passed its deprecation date.
func (b *ProviderBinding) Deprecated() bool {
	return b.DeprecatedAt != nil && !b.DeprecatedAt.After(time.Now())
}

// Policy filters and orders the candidate bindings for one request.
type Policy struct {
	Pinned            string // provider id the caller pinned, empty if none
	ExcludeDeprecated bool
	ExcludeUnstable   bool
	AllowedProviders  []string // empty means all
	BlockedProviders  []string
}

// Catalog is the process-wide model/provider table.
type Catalog struct {
	models    map[string]*ModelEntry
	aliases   map[string]string
	provs     map[string]ProviderInfo
	modelList []*ModelEntry // stable iteration order for /v1/models
}

// UnknownModelError is returned by Lookup when the model string resolves to
// nothing — neither id, alias, nor provider/model form.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("catalog: unknown model %q", e.Model)
}

// New builds a Catalog from the given tables and validates it.
func New(models []ModelEntry, aliases map[string]string, provs []ProviderInfo) (*Catalog, error) {
	c := &Catalog{
		models:  make(map[string]*ModelEntry, len(models)),
		aliases: make(map[string]string, len(aliases)),
		provs:   make(map[string]ProviderInfo, len(provs)),
	}

	for _, p := range provs {
		c.provs[p.ID] = p
	}

	for i := range models {
		m := models[i]
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", m.ID)
		}
		active := 0
		for _, b := range m.Bindings {
			if _, ok := c.provs[b.Provider]; !ok {
				return nil, fmt.Errorf("catalog: model %q references unknown provider %q", m.ID, b.Provider)
			}
			if b.Active() {
				active++
			}
		}
		if active == 0 {
			return nil, fmt.Errorf("catalog: model %q has no active binding", m.ID)
		}
		entry := m
		c.models[m.ID] = &entry
		c.modelList = append(c.modelList, &entry)
	}

	for alias, id := range aliases {
		if _, ok := c.models[id]; !ok {
			return nil, fmt.Errorf("catalog: alias %q targets unknown model %q", alias, id)
		}
		c.aliases[alias] = id
	}

	return c, nil
}

// Default returns the built-in catalog. Panics on a malformed table — the
// table is compiled into the binary, so failure here is a programming error.
func Default() *Catalog {
	c, err := New(knownModels, modelAliases, knownProviders)
	if err != nil {
		panic(err)
	}
	return c
}

// Provider returns the ProviderInfo for the given provider id.
func (c *Catalog) Provider(id string) (ProviderInfo, bool) {
	p, ok := c.provs[id]
	return p, ok
}

// Providers returns all known providers.
func (c *Catalog) Providers() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(c.provs))
	for _, p := range c.provs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Models returns all model entries in declaration order.
func (c *Catalog) Models() []*ModelEntry {
	return c.modelList
}

// Lookup resolves a client model string to a catalog entry.
//
// Resolution order: exact id → alias → "provider/model" split. When the
// provider/model form is used, the provider becomes the pinned provider and
// must hold an active binding for the model.
func (c *Catalog) Lookup(model string) (*ModelEntry, string, error) {
	if m, ok := c.models[model]; ok {
		return m, "", nil
	}
	if id, ok := c.aliases[model]; ok {
		return c.models[id], "", nil
	}

	if prov, rest, ok := strings.Cut(model, "/"); ok {
		if _, known := c.provs[prov]; known {
			m := c.models[rest]
			if m == nil {
				if id, ok := c.aliases[rest]; ok {
					m = c.models[id]
				}
			}
			if m != nil {
				for _, b := range m.Bindings {
					if b.Provider == prov && b.Active() {
						return m, prov, nil
					}
				}
			}
		}
	}

	return nil, "", &UnknownModelError{Model: model}
}

// Bindings returns the ordered candidate bindings for a model under the given
// policy: deactivated bindings are always excluded; deprecated and unstable
// bindings per policy; then sorted pinned-first, by ascending effective input
// price, and finally by declared stability.
func (c *Catalog) Bindings(m *ModelEntry, p Policy) []ProviderBinding {
	allowed := map[string]bool{}
	for _, a := range p.AllowedProviders {
		allowed[a] = true
	}
	blocked := map[string]bool{}
	for _, b := range p.BlockedProviders {
		blocked[b] = true
	}

	out := make([]ProviderBinding, 0, len(m.Bindings))
	for _, b := range m.Bindings {
		if !b.Active() {
			continue
		}
		if p.ExcludeDeprecated && b.Deprecated() {
			continue
		}
		if p.ExcludeUnstable && b.Stability >= StabilityUnstable {
			continue
		}
		if len(allowed) > 0 && !allowed[b.Provider] {
			continue
		}
		if blocked[b.Provider] {
			continue
		}
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Provider == p.Pinned) != (out[j].Provider == p.Pinned) {
			return out[i].Provider == p.Pinned
		}
		pi, pj := out[i].EffectiveInputPrice(), out[j].EffectiveInputPrice()
		if pi != pj {
			return pi < pj
		}
		return out[i].Stability < out[j].Stability
	})

	return out
}
