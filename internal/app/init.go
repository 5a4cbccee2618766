package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/relaypoint/llm-gateway/internal/auth"
	gwCache "github.com/relaypoint/llm-gateway/internal/cache"
	"github.com/relaypoint/llm-gateway/internal/catalog"
	"github.com/relaypoint/llm-gateway/internal/credentials"
	"github.com/relaypoint/llm-gateway/internal/dispatch"
	"github.com/relaypoint/llm-gateway/internal/gateway"
	"github.com/relaypoint/llm-gateway/internal/ledger"
	"github.com/relaypoint/llm-gateway/internal/metrics"
	"github.com/relaypoint/llm-gateway/internal/providers"
	anthropicprov "github.com/relaypoint/llm-gateway/internal/providers/anthropic"
	azureprov "github.com/relaypoint/llm-gateway/internal/providers/azure"
	bedrockprov "github.com/relaypoint/llm-gateway/internal/providers/bedrock"
	googleprov "github.com/relaypoint/llm-gateway/internal/providers/google"
	openaiprov "github.com/relaypoint/llm-gateway/internal/providers/openai"
	openaicompatprov "github.com/relaypoint/llm-gateway/internal/providers/openaicompat"
	"github.com/relaypoint/llm-gateway/internal/ratelimit"
	"github.com/relaypoint/llm-gateway/internal/usagelog"
)

// initInfra establishes optional external connections.
// Redis is required when the cache, ledger, or rate limiter use it;
// ClickHouse only when DATABASE_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.Ledger.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0

	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.DatabaseURL != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.DatabaseURL)))

		sink, err := usagelog.NewClickHouseSink(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initCatalog loads the model/provider tables, the credential resolver, the
// adapter registry, and the inbound token table.
func (a *App) initCatalog(_ context.Context) error {
	a.cat = catalog.Default()

	var credOpts []credentials.Option
	if a.rdb != nil {
		credOpts = append(credOpts, credentials.WithKeyStore(credentials.NewRedisKeyStore(a.rdb)))
	}
	a.creds = credentials.NewResolver(a.cat, credOpts...)

	a.adapters = buildAdapters(a.cat)

	a.tokens = auth.ParseTokenSpecs(a.cfg.AuthTokens)

	a.log.Info("catalog loaded",
		slog.Int("models", len(a.cat.Models())),
		slog.Int("adapters", len(a.adapters)),
	)
	return nil
}

// initServices creates the cache, ledger, usage pipeline, and metrics.
func (a *App) initServices(ctx context.Context) error {
	// ── Cache ────────────────────────────────────────────────────────────────
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cacheStor = gwCache.NewStore(gwCache.NewRedisCacheFromClient(a.rdb), a.cfg.Cache.TTL)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = gwCache.NewMemoryCache(ctx)
		a.cacheStor = gwCache.NewStore(a.memCache, a.cfg.Cache.TTL)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.excl = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Ledger ───────────────────────────────────────────────────────────────
	switch a.cfg.Ledger.Mode {
	case "redis":
		a.led = ledger.NewRedisLedger(a.rdb)
		a.log.Info("ledger backend: redis")
	case "memory":
		a.led = ledger.NewMemoryLedger()
		a.log.Info("ledger backend: memory (in-process)")
	case "none":
		a.log.Info("ledger backend: disabled — credit accounting off")
	}

	if a.led != nil && a.cfg.Ledger.InitialCredits > 0 {
		if err := a.seedCredits(ctx); err != nil {
			return err
		}
	}

	// ── Usage log pipeline ───────────────────────────────────────────────────
	var sink usagelog.Sink
	if a.chSink != nil {
		sink = a.chSink
	} else {
		sink = usagelog.NewSlogSink(a.log)
	}
	a.pipeline = usagelog.New(sink, a.log)

	// ── Metrics ──────────────────────────────────────────────────────────────
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// seedCredits grants the configured starting balance to every org that has
// none yet. Intended for development; production top-ups come from billing.
func (a *App) seedCredits(ctx context.Context) error {
	amount := decimal.NewFromFloat(a.cfg.Ledger.InitialCredits)

	seen := map[string]bool{}
	for _, spec := range a.cfg.AuthTokens {
		parts := strings.SplitN(spec, ":", 3)
		if len(parts) < 2 || parts[1] == "" || seen[parts[1]] {
			continue
		}
		seen[parts[1]] = true

		bal, err := a.led.Balance(ctx, parts[1])
		if err != nil {
			return fmt.Errorf("ledger: balance %s: %w", parts[1], err)
		}
		if bal.IsZero() {
			if err := a.led.Credit(ctx, parts[1], amount); err != nil {
				return fmt.Errorf("ledger: seed %s: %w", parts[1], err)
			}
			a.log.Info("seeded credits", slog.String("org", parts[1]), slog.String("amount", amount.String()))
		}
	}
	return nil
}

// initGateway wires the dispatch engine and the HTTP server.
func (a *App) initGateway(ctx context.Context) error {
	a.engine = dispatch.New(a.cat, a.adapters, a.creds, dispatch.Options{
		Logger:          a.log,
		MaxRetries:      a.cfg.Failover.MaxRetries,
		ProviderTimeout: a.cfg.Failover.ProviderTimeout,
		CBConfig: dispatch.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
		Cache:           a.cacheStor,
		CacheExclusions: a.excl,
		Ledger:          a.led,
		UsageLogs:       a.pipeline,
		Metrics:         a.prom,
	})

	opts := gateway.Options{
		Logger:      a.log,
		Metrics:     a.prom,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,
	}

	if a.rdb != nil {
		opts.CacheReady = redisPinger(ctx, a.rdb)
		if a.cfg.RateLimit.RPMLimit > 0 {
			opts.RPMLimiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
			a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
		}
	} else {
		opts.CacheReady = func() bool { return true }
	}

	a.srv = gateway.New(a.engine, a.cat, a.tokens, opts)

	return nil
}

// buildAdapters registers one adapter per provider in the catalog. SDK-backed
// adapters are shared; OpenAI-compatible providers get one instance each,
// pointed at the base URL from the provider table.
func buildAdapters(cat *catalog.Catalog) map[string]providers.Adapter {
	adapters := map[string]providers.Adapter{
		"openai":    openaiprov.New(),
		"anthropic": anthropicprov.New(),
		"google":    googleprov.New(),
		"bedrock":   bedrockprov.New(),
		"azure":     azureprov.New(),
	}

	for _, p := range cat.Providers() {
		if _, ok := adapters[p.ID]; ok {
			continue
		}
		adapters[p.ID] = openaicompatprov.New(p.ID, p.BaseURL)
	}

	return adapters
}
