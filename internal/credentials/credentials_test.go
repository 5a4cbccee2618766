package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/llm-gateway/internal/catalog"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolve_GatewayKeyFallback(t *testing.T) {
	r := NewResolver(catalog.Default(), WithEnvFunc(envMap(map[string]string{
		"LLM_OPENAI_API_KEY": "sk-gateway",
	})))

	cred, err := r.Resolve(context.Background(), "org-1", "openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.APIKey != "sk-gateway" || cred.BYOK {
		t.Errorf("got %+v, want gateway key, BYOK=false", cred)
	}
}

func TestResolve_BYOKWins(t *testing.T) {
	store := NewMemoryKeyStore()
	store.Put("org-1", "openai", "sk-org-own")

	r := NewResolver(catalog.Default(),
		WithKeyStore(store),
		WithEnvFunc(envMap(map[string]string{"LLM_OPENAI_API_KEY": "sk-gateway"})),
	)

	cred, err := r.Resolve(context.Background(), "org-1", "openai")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.APIKey != "sk-org-own" || !cred.BYOK {
		t.Errorf("got %+v, want org key, BYOK=true", cred)
	}

	// A different org without a stored key falls back to the gateway key.
	cred, err = r.Resolve(context.Background(), "org-2", "openai")
	if err != nil {
		t.Fatalf("Resolve org-2: %v", err)
	}
	if cred.APIKey != "sk-gateway" || cred.BYOK {
		t.Errorf("org-2 got %+v, want gateway key", cred)
	}
}

func TestResolve_NotConfigured(t *testing.T) {
	r := NewResolver(catalog.Default(), WithEnvFunc(envMap(nil)))

	_, err := r.Resolve(context.Background(), "org-1", "openai")
	var nce *NotConfiguredError
	if !errors.As(err, &nce) {
		t.Fatalf("expected NotConfiguredError, got %v", err)
	}
}

func TestResolve_BedrockRequiresSecretAndRegion(t *testing.T) {
	base := map[string]string{"LLM_BEDROCK_ACCESS_KEY": "AKIA"}

	r := NewResolver(catalog.Default(), WithEnvFunc(envMap(base)))
	if _, err := r.Resolve(context.Background(), "", "bedrock"); err == nil {
		t.Fatal("expected error without secret key and region")
	}

	full := map[string]string{
		"LLM_BEDROCK_ACCESS_KEY": "AKIA",
		EnvBedrockSecretKey:      "secret",
		EnvBedrockRegion:         "us-east-1",
		EnvBedrockRegionPrefix:   "us",
	}
	r = NewResolver(catalog.Default(), WithEnvFunc(envMap(full)))
	cred, err := r.Resolve(context.Background(), "", "bedrock")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.AWSAccessKey != "AKIA" || cred.AWSSecretKey != "secret" ||
		cred.Region != "us-east-1" || cred.RegionPrefix != "us" {
		t.Errorf("bedrock credential incomplete: %+v", cred)
	}
}

func TestResolve_AzureRequiresResource(t *testing.T) {
	r := NewResolver(catalog.Default(), WithEnvFunc(envMap(map[string]string{
		"LLM_AZURE_API_KEY": "azkey",
	})))
	if _, err := r.Resolve(context.Background(), "", "azure"); err == nil {
		t.Fatal("expected error without LLM_AZURE_RESOURCE")
	}

	r = NewResolver(catalog.Default(), WithEnvFunc(envMap(map[string]string{
		"LLM_AZURE_API_KEY": "azkey",
		EnvAzureResource:    "myresource",
		EnvAzureAPIVersion:  "2024-12-01-preview",
	})))
	cred, err := r.Resolve(context.Background(), "", "azure")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Resource != "myresource" || cred.APIVersion != "2024-12-01-preview" {
		t.Errorf("azure credential incomplete: %+v", cred)
	}
}

func TestRedisKeyStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisKeyStore(rdb)
	ctx := context.Background()

	if _, ok, _ := store.ProviderKey(ctx, "org-1", "openai"); ok {
		t.Fatal("unexpected key before Put")
	}

	if err := store.Put(ctx, "org-1", "openai", "sk-byok"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	key, ok, err := store.ProviderKey(ctx, "org-1", "openai")
	if err != nil || !ok || key != "sk-byok" {
		t.Fatalf("ProviderKey = (%q, %v, %v), want (sk-byok, true, nil)", key, ok, err)
	}
}
