package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// No config.yaml in a fresh temp dir.
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.False(t, cfg.LLM.JSONMode)
	assert.Equal(t, "serper", cfg.Search.Provider)
	assert.Equal(t, "https://s.jina.ai", cfg.Search.Jina.SearchBaseURL)
	assert.Equal(t, 6, cfg.Discovery.MaxQueries)
	assert.Equal(t, 3, cfg.Discovery.StageAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Discovery.Backoff)
	assert.Equal(t, 24*time.Hour, cfg.Discovery.CacheTTL)
	assert.Equal(t, 5000, cfg.Discovery.CacheMaxItems)
	assert.Equal(t, 4, cfg.Jobs.Concurrency)
	assert.Equal(t, time.Hour, cfg.Jobs.StaleAfter)
	assert.Equal(t, "@every 10m", cfg.Jobs.SweepSchedule)
	assert.Equal(t, 50, cfg.Jobs.DefaultMaxContactsTotal)
	assert.Equal(t, 1, cfg.Jobs.DefaultMaxContactsPerCompany)
	assert.Equal(t, "local", cfg.Jobs.Dispatcher)
	assert.Equal(t, 1, cfg.Credits.UnitCost)
	assert.Equal(t, 2, cfg.Credits.DeepSearchMultiplier)
	assert.Equal(t, 90*24*time.Hour, cfg.Credits.TopupExpiry)
	assert.InDelta(t, 1.0, cfg.Pricing.SearchPer1K, 0.001)
	assert.Equal(t, "dmfinder:cancel:", cfg.Redis.CancelPrefix)
	assert.Equal(t, "dm-finder-jobs", cfg.Temporal.TaskQueue)
	assert.Equal(t, "https://login.salesforce.com", cfg.Salesforce.LoginURL)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/dm
log:
  level: debug
  format: console
llm:
  provider: anthropic
  json_mode: true
jobs:
  concurrency: 8
  stale_after: 30m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/dm", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.True(t, cfg.LLM.JSONMode)
	assert.Equal(t, 8, cfg.Jobs.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.Jobs.StaleAfter)
	// Defaults still apply for unset values
	assert.Equal(t, 6, cfg.Discovery.MaxQueries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("DMFINDER_STORE_DRIVER", "postgres")
	t.Setenv("DMFINDER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesNestedDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("DMFINDER_SERVER_PORT", "3000")
	t.Setenv("DMFINDER_SEARCH_SERPER_KEY", "serper-key")
	t.Setenv("DMFINDER_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "serper-key", cfg.Search.Serper.Key)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [\n"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validConfig returns a Config that passes validation in every mode.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "dm.db"
	cfg.Server.Port = 8080
	cfg.LLM.Provider = "openai"
	cfg.LLM.Key = "pplx-key"
	cfg.Search.Provider = "serper"
	cfg.Search.Serper.Key = "serper-key"
	cfg.Jobs.Concurrency = 4
	cfg.Jobs.Dispatcher = "local"
	cfg.Temporal.HostPort = "localhost:7233"
	return cfg
}

func TestValidate_AllModes(t *testing.T) {
	for _, mode := range []string{ModeServe, ModeRun, ModeWorker, ModeAdmin} {
		assert.NoError(t, validConfig().Validate(mode), mode)
	}
}

func TestValidate_MissingKeys(t *testing.T) {
	cfg := validConfig()
	cfg.Store.DatabaseURL = ""
	cfg.LLM.Key = ""
	cfg.Search.Serper.Key = ""

	err := cfg.Validate(ModeRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "llm.key is required")
	assert.Contains(t, err.Error(), "search.serper.key is required")
}

func TestValidate_JinaProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Search.Provider = "jina"

	err := cfg.Validate(ModeRun)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "search.jina.key is required")

	cfg.Search.Jina.Key = "jina-key"
	assert.NoError(t, cfg.Validate(ModeRun))
}

func TestValidate_TemporalServeSkipsGateways(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs.Dispatcher = "temporal"
	cfg.LLM.Key = ""
	cfg.Search.Serper.Key = ""

	assert.NoError(t, cfg.Validate(ModeServe))

	cfg.Temporal.HostPort = ""
	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temporal.host_port is required")
}

func TestValidate_WorkerNeedsGateways(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Key = ""

	err := cfg.Validate(ModeWorker)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.key is required")
}

func TestValidate_AdminNeedsOnlyStore(t *testing.T) {
	cfg := validConfig()
	cfg.LLM.Key = ""
	cfg.Search.Serper.Key = ""
	cfg.Temporal.HostPort = ""
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate(ModeAdmin))

	cfg.Store.DatabaseURL = ""
	err := cfg.Validate(ModeAdmin)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_Bounds(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Jobs.Concurrency = 51
	cfg.Jobs.Dispatcher = "sqs"
	cfg.Store.Driver = "mysql"
	cfg.LLM.Provider = "cohere"

	err := cfg.Validate(ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "jobs.concurrency must be between 1 and 50")
	assert.Contains(t, err.Error(), "jobs.dispatcher must be local or temporal")
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.NotContains(t, err.Error(), "llm.provider", "unknown dispatcher is not treated as local")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validConfig().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
