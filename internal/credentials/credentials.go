// Package credentials resolves the upstream credential for a (org, provider)
// pair. Orgs that stored their own provider key (BYOK) get it back billed at
// provider cost; everyone else falls back to the gateway-owned key read from
// the provider's environment variable.
package credentials

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/providers"
)

// Extra environment variables consumed beyond the per-provider key vars
// declared in the catalog provider table.
const (
	EnvBedrockSecretKey    = "LLM_BEDROCK_SECRET_KEY"
	EnvBedrockSessionToken = "LLM_BEDROCK_SESSION_TOKEN"
	EnvBedrockRegion       = "LLM_BEDROCK_REGION"
	EnvBedrockRegionPrefix = "LLM_BEDROCK_REGION_PREFIX"
	EnvAzureResource       = "LLM_AZURE_RESOURCE"
	EnvAzureAPIVersion     = "LLM_AZURE_API_VERSION"
)

// NotConfiguredError is returned when neither an org key nor a gateway key is
// available for the provider. The dispatch engine skips the candidate.
type NotConfiguredError struct {
	Provider string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("credentials: provider %q not configured", e.Provider)
}

// KeyStore is the org-supplied (BYOK) key storage. Implementations must treat
// a missing key as (“”, false, nil) rather than an error.
type KeyStore interface {
	ProviderKey(ctx context.Context, orgID, provider string) (key string, ok bool, err error)
}

// Resolver resolves credentials with BYOK-first policy.
type Resolver struct {
	cat   *catalog.Catalog
	store KeyStore
	env   func(string) string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithKeyStore sets the BYOK key store. Without one, only gateway keys are used.
func WithKeyStore(s KeyStore) Option {
	return func(r *Resolver) { r.store = s }
}

// WithEnvFunc overrides the environment lookup (tests).
func WithEnvFunc(fn func(string) string) Option {
	return func(r *Resolver) { r.env = fn }
}

// NewResolver creates a Resolver over the given catalog.
func NewResolver(cat *catalog.Catalog, opts ...Option) *Resolver {
	r := &Resolver{cat: cat, env: os.Getenv}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the credential to use for one upstream attempt.
//
// Policy: active org-stored key first (BYOK=true), then the gateway-owned key
// from the provider's env var. Bedrock additionally requires the AWS secret
// and region; Azure requires a resource name. Returns *NotConfiguredError
// when nothing usable is found.
func (r *Resolver) Resolve(ctx context.Context, orgID, provider string) (providers.Credential, error) {
	info, ok := r.cat.Provider(provider)
	if !ok {
		return providers.Credential{}, &NotConfiguredError{Provider: provider}
	}

	key := ""
	byok := false
	if r.store != nil && orgID != "" {
		k, found, err := r.store.ProviderKey(ctx, orgID, provider)
		if err != nil {
			return providers.Credential{}, fmt.Errorf("credentials: key store: %w", err)
		}
		if found {
			key, byok = k, true
		}
	}
	if key == "" && info.KeyEnvVar != "" {
		key = r.env(info.KeyEnvVar)
	}
	if key == "" {
		return providers.Credential{}, &NotConfiguredError{Provider: provider}
	}

	cred := providers.Credential{APIKey: key, BYOK: byok}

	switch provider {
	case "bedrock":
		cred.AWSAccessKey = key
		cred.AWSSecretKey = r.env(EnvBedrockSecretKey)
		cred.AWSSessionToken = r.env(EnvBedrockSessionToken)
		cred.Region = r.env(EnvBedrockRegion)
		cred.RegionPrefix = r.env(EnvBedrockRegionPrefix)
		if cred.AWSSecretKey == "" || cred.Region == "" {
			return providers.Credential{}, &NotConfiguredError{Provider: provider}
		}
	case "azure":
		cred.Resource = r.env(EnvAzureResource)
		cred.APIVersion = r.env(EnvAzureAPIVersion)
		if cred.Resource == "" {
			return providers.Credential{}, &NotConfiguredError{Provider: provider}
		}
	}

	return cred, nil
}

// ── Key stores ────────────────────────────────────────────────────────────────

// MemoryKeyStore is an in-process KeyStore for tests and single-tenant runs.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]string // "org\x00provider" → key
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]string)}
}

func (s *MemoryKeyStore) Put(orgID, provider, key string) {
	s.mu.Lock()
	s.keys[orgID+"\x00"+provider] = key
	s.mu.Unlock()
}

func (s *MemoryKeyStore) ProviderKey(_ context.Context, orgID, provider string) (string, bool, error) {
	s.mu.RLock()
	k, ok := s.keys[orgID+"\x00"+provider]
	s.mu.RUnlock()
	return k, ok, nil
}

// RedisKeyStore reads org provider keys from Redis hashes
// (key "org:<id>:provider_keys", field = provider id). Lookups degrade to
// "not found" on Redis errors so a cache outage never blocks dispatch — the
// gateway key takes over.
type RedisKeyStore struct {
	rdb *redis.Client
}

func NewRedisKeyStore(rdb *redis.Client) *RedisKeyStore {
	return &RedisKeyStore{rdb: rdb}
}

func (s *RedisKeyStore) ProviderKey(ctx context.Context, orgID, provider string) (string, bool, error) {
	val, err := s.rdb.HGet(ctx, "org:"+orgID+":provider_keys", provider).Result()
	if err != nil {
		return "", false, nil
	}
	return val, val != "", nil
}

// Put stores an org provider key. Used by provisioning and tests.
func (s *RedisKeyStore) Put(ctx context.Context, orgID, provider, key string) error {
	return s.rdb.HSet(ctx, "org:"+orgID+":provider_keys", provider, key).Err()
}
