package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Command modes accepted by Validate.
const (
	ModeServe  = "serve"
	ModeRun    = "run"
	ModeWorker = "worker"
	// ModeAdmin is for maintenance commands that only touch the store.
	ModeAdmin = "admin"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Credits    CreditsConfig    `yaml:"credits" mapstructure:"credits"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" mapstructure:"kafka"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	AdminToken  string   `yaml:"admin_token" mapstructure:"admin_token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LLMConfig selects and tunes the inference provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider" mapstructure:"provider"`
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Model       string  `yaml:"model" mapstructure:"model"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	JSONMode    bool    `yaml:"json_mode" mapstructure:"json_mode"`
}

// SearchConfig selects the web search provider. When both keys are set
// Serper is tried first and Jina is the fallback.
type SearchConfig struct {
	Provider string       `yaml:"provider" mapstructure:"provider"`
	Serper   SerperConfig `yaml:"serper" mapstructure:"serper"`
	Jina     JinaConfig   `yaml:"jina" mapstructure:"jina"`
}

// SerperConfig holds Serper.dev settings.
type SerperConfig struct {
	Key     string  `yaml:"key" mapstructure:"key"`
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	QPS     float64 `yaml:"qps" mapstructure:"qps"`
	GL      string  `yaml:"gl" mapstructure:"gl"`
	HL      string  `yaml:"hl" mapstructure:"hl"`
	Num     int     `yaml:"num" mapstructure:"num"`
}

// JinaConfig holds Jina search settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
	Count         int    `yaml:"count" mapstructure:"count"`
}

// DiscoveryConfig tunes the per-company pipeline.
type DiscoveryConfig struct {
	MaxQueries     int           `yaml:"max_queries" mapstructure:"max_queries"`
	MaxSnippets    int           `yaml:"max_snippets" mapstructure:"max_snippets"`
	StageAttempts  int           `yaml:"stage_attempts" mapstructure:"stage_attempts"`
	Backoff        time.Duration `yaml:"backoff" mapstructure:"backoff"`
	CacheTTL       time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheMaxItems  int           `yaml:"cache_max_items" mapstructure:"cache_max_items"`
	TitleRulesPath string        `yaml:"title_rules_path" mapstructure:"title_rules_path"`
}

// JobsConfig configures job execution and dispatch.
type JobsConfig struct {
	Concurrency                  int           `yaml:"concurrency" mapstructure:"concurrency"`
	StaleAfter                   time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	SweepSchedule                string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	DefaultMaxContactsTotal      int           `yaml:"default_max_contacts_total" mapstructure:"default_max_contacts_total"`
	DefaultMaxContactsPerCompany int           `yaml:"default_max_contacts_per_company" mapstructure:"default_max_contacts_per_company"`
	Dispatcher                   string        `yaml:"dispatcher" mapstructure:"dispatcher"`
}

// CreditsConfig sets the per-company charge and top-up lifetime.
type CreditsConfig struct {
	UnitCost             int           `yaml:"unit_cost" mapstructure:"unit_cost"`
	DeepSearchMultiplier int           `yaml:"deep_search_multiplier" mapstructure:"deep_search_multiplier"`
	PerExtraPlatform     int           `yaml:"per_extra_platform" mapstructure:"per_extra_platform"`
	TopupExpiry          time.Duration `yaml:"topup_expiry" mapstructure:"topup_expiry"`
}

// PricingConfig holds external provider rates in USD.
type PricingConfig struct {
	LLMInputPerMTok  float64 `yaml:"llm_input_per_mtok" mapstructure:"llm_input_per_mtok"`
	LLMOutputPerMTok float64 `yaml:"llm_output_per_mtok" mapstructure:"llm_output_per_mtok"`
	SearchPer1K      float64 `yaml:"search_per_1k" mapstructure:"search_per_1k"`
}

// RedisConfig enables the shared cancellation flag.
type RedisConfig struct {
	URL          string        `yaml:"url" mapstructure:"url"`
	CancelPrefix string        `yaml:"cancel_prefix" mapstructure:"cancel_prefix"`
	CancelTTL    time.Duration `yaml:"cancel_ttl" mapstructure:"cancel_ttl"`
}

// KafkaConfig enables lifecycle event publishing.
type KafkaConfig struct {
	Brokers string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string `yaml:"topic" mapstructure:"topic"`
}

// TemporalConfig configures the durable dispatcher and worker.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// NotionConfig holds the Notion token used to read company lists.
type NotionConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID string `yaml:"client_id" mapstructure:"client_id"`
	Username string `yaml:"username" mapstructure:"username"`
	KeyPath  string `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string `yaml:"login_url" mapstructure:"login_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DMFINDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "dm-finder.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.admin_token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.json_mode", false)

	v.SetDefault("search.provider", "serper")
	v.SetDefault("search.serper.key", "")
	v.SetDefault("search.serper.base_url", "https://google.serper.dev/search")
	v.SetDefault("search.serper.qps", 5.0)
	v.SetDefault("search.serper.gl", "us")
	v.SetDefault("search.serper.hl", "en")
	v.SetDefault("search.serper.num", 10)
	v.SetDefault("search.jina.key", "")
	v.SetDefault("search.jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("search.jina.count", 10)

	v.SetDefault("discovery.max_queries", 6)
	v.SetDefault("discovery.max_snippets", 8)
	v.SetDefault("discovery.stage_attempts", 3)
	v.SetDefault("discovery.backoff", "500ms")
	v.SetDefault("discovery.cache_ttl", "24h")
	v.SetDefault("discovery.cache_max_items", 5000)
	v.SetDefault("discovery.title_rules_path", "")

	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.stale_after", "1h")
	v.SetDefault("jobs.sweep_schedule", "@every 10m")
	v.SetDefault("jobs.default_max_contacts_total", 50)
	v.SetDefault("jobs.default_max_contacts_per_company", 1)
	v.SetDefault("jobs.dispatcher", "local")

	v.SetDefault("credits.unit_cost", 1)
	v.SetDefault("credits.deep_search_multiplier", 2)
	v.SetDefault("credits.per_extra_platform", 1)
	v.SetDefault("credits.topup_expiry", "2160h")

	v.SetDefault("pricing.llm_input_per_mtok", 1.00)
	v.SetDefault("pricing.llm_output_per_mtok", 1.00)
	v.SetDefault("pricing.search_per_1k", 1.00)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cancel_prefix", "dmfinder:cancel:")
	v.SetDefault("redis.cancel_ttl", "24h")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "dm-finder.jobs")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "dm-finder-jobs")

	v.SetDefault("notion.token", "")

	v.SetDefault("salesforce.client_id", "")
	v.SetDefault("salesforce.username", "")
	v.SetDefault("salesforce.key_path", "")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
}

// Validate checks the keys and bounds a command mode cannot start without.
func (c *Config) Validate(mode string) error {
	switch mode {
	case ModeServe, ModeRun, ModeWorker, ModeAdmin:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var errs []string
	required := func(val, key string) {
		if val == "" {
			errs = append(errs, key+" is required")
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	required(c.Store.DatabaseURL, "store.database_url")

	if c.Jobs.Concurrency < 1 || c.Jobs.Concurrency > 50 {
		errs = append(errs, "jobs.concurrency must be between 1 and 50")
	}
	if c.Jobs.DefaultMaxContactsTotal < 0 || c.Jobs.DefaultMaxContactsPerCompany < 0 {
		errs = append(errs, "jobs default contact caps must be >= 0")
	}

	if mode == ModeServe {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Jobs.Dispatcher != "local" && c.Jobs.Dispatcher != "temporal" {
			errs = append(errs, "jobs.dispatcher must be local or temporal")
		}
	}

	// serve with the temporal dispatcher runs no discovery itself.
	if mode == ModeRun || mode == ModeWorker || (mode == ModeServe && c.Jobs.Dispatcher == "local") {
		switch c.LLM.Provider {
		case "openai", "anthropic", "gemini":
		default:
			errs = append(errs, "llm.provider must be openai, anthropic or gemini")
		}
		required(c.LLM.Key, "llm.key")

		switch c.Search.Provider {
		case "serper":
			required(c.Search.Serper.Key, "search.serper.key")
		case "jina":
			required(c.Search.Jina.Key, "search.jina.key")
		default:
			errs = append(errs, "search.provider must be serper or jina")
		}
	}

	if mode == ModeWorker || (mode == ModeServe && c.Jobs.Dispatcher == "temporal") {
		required(c.Temporal.HostPort, "temporal.host_port")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
