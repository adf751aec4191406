package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dm-finder/internal/cache"
	"github.com/sells-group/dm-finder/internal/config"
	"github.com/sells-group/dm-finder/internal/cost"
	"github.com/sells-group/dm-finder/internal/credits"
	"github.com/sells-group/dm-finder/internal/discovery"
	"github.com/sells-group/dm-finder/internal/events"
	"github.com/sells-group/dm-finder/internal/gateway"
	"github.com/sells-group/dm-finder/internal/model"
	"github.com/sells-group/dm-finder/internal/orchestrator"
	"github.com/sells-group/dm-finder/internal/resilience"
	"github.com/sells-group/dm-finder/internal/store"
	anthropicpkg "github.com/sells-group/dm-finder/pkg/anthropic"
	"github.com/sells-group/dm-finder/pkg/jina"
	"github.com/sells-group/dm-finder/pkg/perplexity"
	"github.com/sells-group/dm-finder/pkg/serper"
)

// appEnv holds the store, ledger and orchestrator shared by the commands.
type appEnv struct {
	Store     store.Store
	Ledger    *credits.Ledger
	Orch      *orchestrator.Orchestrator
	Publisher events.Publisher

	redis *redis.Client
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Publisher != nil {
		if err := e.Publisher.Close(); err != nil {
			zap.L().Warn("close event publisher", zap.Error(err))
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates configuration for mode and wires the store, ledger,
// cancel signal, event publisher and orchestrator. The discovery engine is
// only built when discovery runs in this process. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string, withEngine bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	env.Ledger = credits.NewLedger(st, credits.WithTopupExpiry(cfg.Credits.TopupExpiry))

	var engine orchestrator.Discoverer = disabledEngine{}
	if withEngine {
		e, err := initEngine(ctx)
		if err != nil {
			env.Close()
			return nil, err
		}
		engine = e
	}

	opts := []orchestrator.Option{
		orchestrator.WithCostCalculator(cost.NewCalculator(cost.Rates{
			LLMInputPerMTok:  cfg.Pricing.LLMInputPerMTok,
			LLMOutputPerMTok: cfg.Pricing.LLMOutputPerMTok,
			SearchPer1K:      cfg.Pricing.SearchPer1K,
		})),
	}

	if cfg.Redis.URL != "" {
		rc, err := orchestrator.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.redis = rc
		opts = append(opts, orchestrator.WithCancelSignal(orchestrator.NewRedisSignal(
			rc, cfg.Redis.CancelPrefix, cfg.Redis.CancelTTL, orchestrator.NewStoreSignal(st),
		)))
		zap.L().Info("redis cancel signal enabled")
	}

	if cfg.Kafka.Brokers != "" {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Publisher = pub
		opts = append(opts, orchestrator.WithPublisher(pub))
		zap.L().Info("kafka lifecycle events enabled", zap.String("topic", cfg.Kafka.Topic))
	}

	env.Orch = orchestrator.New(st, env.Ledger, engine, orchestrator.Config{
		Concurrency: cfg.Jobs.Concurrency,
		StaleAfter:  cfg.Jobs.StaleAfter,
		Pricing: credits.Pricing{
			UnitCost:             cfg.Credits.UnitCost,
			DeepSearchMultiplier: cfg.Credits.DeepSearchMultiplier,
			PerExtraPlatform:     cfg.Credits.PerExtraPlatform,
		},
		DefaultMaxContactsTotal:      cfg.Jobs.DefaultMaxContactsTotal,
		DefaultMaxContactsPerCompany: cfg.Jobs.DefaultMaxContactsPerCompany,
	}, opts...)

	return env, nil
}

func initEngine(ctx context.Context) (*discovery.Engine, error) {
	inf, err := initInference(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	search, err := initSearch(cfg.Search)
	if err != nil {
		return nil, err
	}

	opts := []discovery.Option{
		discovery.WithIdentityCache(cache.New[model.Identity](cfg.Discovery.CacheMaxItems)),
	}
	if cfg.Discovery.TitleRulesPath != "" {
		rules, err := discovery.LoadTitleRules(cfg.Discovery.TitleRulesPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, discovery.WithTitleRules(rules))
		zap.L().Info("title rules loaded", zap.String("path", cfg.Discovery.TitleRulesPath))
	}

	return discovery.New(inf, search, discovery.Config{
		MaxQueries:  cfg.Discovery.MaxQueries,
		MaxSnippets: cfg.Discovery.MaxSnippets,
		CacheTTL:    cfg.Discovery.CacheTTL,
		Retry:       resilience.NewRetryConfig(cfg.Discovery.StageAttempts, cfg.Discovery.Backoff),
	}, opts...), nil
}

func initInference(ctx context.Context, c config.LLMConfig) (gateway.Inference, error) {
	ic := gateway.InferenceConfig{
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		JSONMode:    c.JSONMode,
		Breaker:     resilience.DefaultCircuitBreakerConfig(),
	}
	switch c.Provider {
	case "openai", "":
		var opts []perplexity.Option
		if c.BaseURL != "" {
			opts = append(opts, perplexity.WithBaseURL(c.BaseURL))
		}
		if c.Model != "" {
			opts = append(opts, perplexity.WithModel(c.Model))
		}
		return gateway.NewOpenAIInference(perplexity.NewClient(c.Key, opts...), ic), nil
	case "anthropic":
		var opts []anthropicpkg.Option
		if c.BaseURL != "" {
			opts = append(opts, anthropicpkg.WithBaseURL(c.BaseURL))
		}
		return gateway.NewAnthropicInference(anthropicpkg.NewClient(c.Key, opts...), ic), nil
	case "gemini":
		return gateway.NewGeminiInference(ctx, c.Key, c.BaseURL, ic)
	default:
		return nil, eris.Errorf("unsupported llm provider: %s", c.Provider)
	}
}

// initSearch builds the configured provider, with the other one as a
// fallback when its key is also set.
func initSearch(c config.SearchConfig) (gateway.Search, error) {
	cb := resilience.DefaultCircuitBreakerConfig()

	var serperSearch, jinaSearch gateway.Search
	if c.Serper.Key != "" {
		opts := []serper.Option{
			serper.WithLocale(c.Serper.GL, c.Serper.HL),
			serper.WithNum(c.Serper.Num),
			serper.WithQPS(c.Serper.QPS),
		}
		if c.Serper.BaseURL != "" {
			opts = append(opts, serper.WithBaseURL(c.Serper.BaseURL))
		}
		serperSearch = gateway.NewSerperSearch(serper.NewClient(c.Serper.Key, opts...), cb)
	}
	if c.Jina.Key != "" {
		var opts []jina.Option
		if c.Jina.SearchBaseURL != "" {
			opts = append(opts, jina.WithSearchBaseURL(c.Jina.SearchBaseURL))
		}
		jinaSearch = gateway.NewJinaSearch(jina.NewClient(c.Jina.Key, opts...), c.Jina.Count, cb)
	}

	var chain []gateway.Search
	switch c.Provider {
	case "serper", "":
		chain = appendSearch(chain, serperSearch, jinaSearch)
	case "jina":
		chain = appendSearch(chain, jinaSearch, serperSearch)
	default:
		return nil, eris.Errorf("unsupported search provider: %s", c.Provider)
	}
	if len(chain) == 0 {
		return nil, eris.New("no search provider key configured")
	}
	return gateway.NewFallback(chain...), nil
}

func appendSearch(chain []gateway.Search, ss ...gateway.Search) []gateway.Search {
	for _, s := range ss {
		if s != nil {
			chain = append(chain, s)
		}
	}
	return chain
}

// disabledEngine stands in when discovery runs in another process.
type disabledEngine struct{}

func (disabledEngine) Discover(context.Context, model.CompanyRow, model.JobOptions, int) (*discovery.Outcome, error) {
	return nil, eris.New("discovery is not enabled in this process")
}
