package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a setting is absent.
const (
	DefaultPort               = 4000
	DefaultConcurrency        = 5
	DefaultMaxRetries         = 3
	DefaultRequestTimeout     = 60 * time.Second
	DefaultFlushBatchSize     = 100
	DefaultFlushInterval      = 5 * time.Second
	DefaultFlushRetryInterval = 2 * time.Second
	DefaultMaxBuffered        = 10000
	DefaultMaxRetryDelay      = 30 * time.Second
	DefaultConcurrencyCap     = 200
	DefaultRetriesCap         = 20
	DefaultStatsInterval      = 10 * time.Second
	DefaultRecoveryInterval   = 10 * time.Second
	DefaultStaleAfter         = 2 * time.Minute
	DefaultProgressTTL        = 24 * time.Hour
	DefaultExportDir          = "data"
)

// Load reads a batch_config.yaml file and returns a BatchConfig with
// environment references resolved and defaults applied.
func Load(path string) (*BatchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*BatchConfig, error) {
	var cfg BatchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvironmentVariables(&cfg)
	resolveEnvVars(&cfg)
	setDefaults(&cfg)
	Validate(&cfg)

	if err := checkAPIConfigs(cfg.APIConfigs); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolveEnvVar resolves "os.environ/NAME" to the value of NAME, or "" when
// NAME is unset. Any other value is returned unchanged.
func ResolveEnvVar(value string) string {
	name, ok := strings.CutPrefix(value, "os.environ/")
	if !ok {
		return value
	}
	return os.Getenv(name)
}

func applyEnvironmentVariables(cfg *BatchConfig) {
	for k, v := range cfg.EnvironmentVariables {
		os.Setenv(k, ResolveEnvVar(v))
	}
}

func resolveEnvVars(cfg *BatchConfig) {
	cfg.GeneralSettings.MasterKey = ResolveEnvVar(cfg.GeneralSettings.MasterKey)
	cfg.GeneralSettings.DatabaseURL = ResolveEnvVar(cfg.GeneralSettings.DatabaseURL)

	for i := range cfg.APIConfigs {
		a := &cfg.APIConfigs[i]
		a.APIKey = ResolveEnvVar(a.APIKey)
		a.APIBase = ResolveEnvVar(a.APIBase)
	}

	if cfg.RedisSettings != nil {
		cfg.RedisSettings.URL = ResolveEnvVar(cfg.RedisSettings.URL)
		cfg.RedisSettings.Password = ResolveEnvVar(cfg.RedisSettings.Password)
	}
}

func setDefaults(cfg *BatchConfig) {
	if cfg.GeneralSettings.Port == 0 {
		cfg.GeneralSettings.Port = DefaultPort
	}
	if cfg.GeneralSettings.LogLevel == "" {
		cfg.GeneralSettings.LogLevel = "info"
	}

	bs := &cfg.BatchSettings
	if bs.DefaultConcurrency <= 0 {
		bs.DefaultConcurrency = DefaultConcurrency
	}
	if bs.DefaultMaxRetries == nil {
		n := DefaultMaxRetries
		bs.DefaultMaxRetries = &n
	}
	if bs.RequestTimeout <= 0 {
		bs.RequestTimeout = DefaultRequestTimeout
	}
	if bs.RetryStrategy == "" {
		bs.RetryStrategy = "fixed"
	}
	if bs.MaxRetryDelay <= 0 {
		bs.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if bs.FlushBatchSize <= 0 {
		bs.FlushBatchSize = DefaultFlushBatchSize
	}
	if bs.FlushInterval <= 0 {
		bs.FlushInterval = DefaultFlushInterval
	}
	if bs.FlushRetryInterval <= 0 {
		bs.FlushRetryInterval = DefaultFlushRetryInterval
	}
	if bs.MaxBuffered <= 0 {
		bs.MaxBuffered = DefaultMaxBuffered
	}
	if bs.ConcurrencyCap <= 0 {
		bs.ConcurrencyCap = DefaultConcurrencyCap
	}
	if bs.RetriesCap <= 0 {
		bs.RetriesCap = DefaultRetriesCap
	}
	if bs.StatsInterval <= 0 {
		bs.StatsInterval = DefaultStatsInterval
	}
	if bs.RecoveryInterval <= 0 {
		bs.RecoveryInterval = DefaultRecoveryInterval
	}
	if bs.StaleAfter <= 0 {
		bs.StaleAfter = DefaultStaleAfter
	}
	if bs.ExportDir == "" {
		bs.ExportDir = DefaultExportDir
	}

	if cfg.RedisSettings != nil && cfg.RedisSettings.ProgressTTL <= 0 {
		cfg.RedisSettings.ProgressTTL = DefaultProgressTTL
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func checkAPIConfigs(apis []APIConfig) error {
	seen := make(map[string]bool, len(apis))
	var errs []error
	for i, a := range apis {
		if a.Alias == "" {
			errs = append(errs, fmt.Errorf("api_configs[%d]: alias is required", i))
			continue
		}
		if seen[a.Alias] {
			errs = append(errs, fmt.Errorf("api_configs[%d]: duplicate alias %q", i, a.Alias))
		}
		seen[a.Alias] = true
		if a.APIBase == "" {
			errs = append(errs, fmt.Errorf("api_configs[%d](%s): api_base is required", i, a.Alias))
		}
		if a.Model == "" {
			errs = append(errs, fmt.Errorf("api_configs[%d](%s): model is required", i, a.Alias))
		}
	}
	return errors.Join(errs...)
}
