package config

import "time"

// BatchConfig represents the top-level batch_config.yaml structure.
type BatchConfig struct {
	APIConfigs           []APIConfig       `yaml:"api_configs"`
	BatchSettings        BatchSettings     `yaml:"batch_settings"`
	GeneralSettings      GeneralSettings   `yaml:"general_settings"`
	RedisSettings        *RedisSettings    `yaml:"redis_settings,omitempty"`
	Metrics              MetricsConfig     `yaml:"metrics,omitempty"`
	EnvironmentVariables map[string]string `yaml:"environment_variables,omitempty"`

	// Overflow captures unknown top-level fields so they can be reported.
	Overflow map[string]any `yaml:",inline"`
}

// APIConfig describes one OpenAI-compatible endpoint a batch can target.
// Batches reference it by Alias.
type APIConfig struct {
	Alias       string         `yaml:"alias" json:"alias"`
	APIBase     string         `yaml:"api_base" json:"api_base"`
	APIKey      string         `yaml:"api_key" json:"-"`
	Model       string         `yaml:"model" json:"model"`
	MaxTokens   *int           `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64       `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Params      map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	IsActive    *bool          `yaml:"is_active,omitempty" json:"is_active,omitempty"`

	// Pricing, per 1K tokens.
	Currency             string  `yaml:"currency,omitempty" json:"currency,omitempty"`
	PromptPricePer1K     float64 `yaml:"prompt_price_per_1k,omitempty" json:"prompt_price_per_1k,omitempty"`
	CompletionPricePer1K float64 `yaml:"completion_price_per_1k,omitempty" json:"completion_price_per_1k,omitempty"`

	Overflow map[string]any `yaml:",inline" json:"-"`
}

// Active reports whether the config may be used. Configs are active unless
// is_active is explicitly false.
func (a APIConfig) Active() bool {
	return a.IsActive == nil || *a.IsActive
}

// BatchSettings holds engine defaults and limits.
type BatchSettings struct {
	DefaultConcurrency int           `yaml:"default_concurrency"`
	DefaultMaxRetries  *int          `yaml:"default_max_retries,omitempty"`
	RequestDelay       time.Duration `yaml:"request_delay,omitempty"`
	RequestTimeout     time.Duration `yaml:"request_timeout,omitempty"`
	RetryStrategy      string        `yaml:"retry_strategy,omitempty"` // "fixed" (default) or "jitter"
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay,omitempty"`

	FlushBatchSize     int           `yaml:"flush_batch_size,omitempty"`
	FlushInterval      time.Duration `yaml:"flush_interval,omitempty"`
	FlushRetryInterval time.Duration `yaml:"flush_retry_interval,omitempty"`
	MaxBuffered        int           `yaml:"max_buffered,omitempty"`

	ConcurrencyCap int `yaml:"concurrency_cap,omitempty"`
	RetriesCap     int `yaml:"retries_cap,omitempty"`

	StatsInterval    time.Duration `yaml:"stats_interval,omitempty"`
	RecoveryInterval time.Duration `yaml:"recovery_interval,omitempty"`
	StaleAfter       time.Duration `yaml:"stale_after,omitempty"`

	// ExportDir is where `export` writes documents when no path is given.
	ExportDir string `yaml:"export_dir,omitempty"`

	Overflow map[string]any `yaml:",inline"`
}

// GeneralSettings holds process-level settings.
type GeneralSettings struct {
	MasterKey   string `yaml:"master_key"`
	DatabaseURL string `yaml:"database_url"`
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level,omitempty"`
	JSONLogs    bool   `yaml:"json_logs,omitempty"`
	// PricingPath points to a JSON model price table used when an API
	// config carries no prices.
	PricingPath string `yaml:"pricing_path,omitempty"`

	Overflow map[string]any `yaml:",inline"`
}

// RedisSettings enables cross-instance progress sharing and job locks.
type RedisSettings struct {
	URL         string        `yaml:"url"`
	Password    string        `yaml:"password,omitempty"`
	ProgressTTL time.Duration `yaml:"progress_ttl,omitempty"`

	Overflow map[string]any `yaml:",inline"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

// LookupAPIConfig returns the API config registered under alias.
func (c *BatchConfig) LookupAPIConfig(alias string) (APIConfig, bool) {
	for _, a := range c.APIConfigs {
		if a.Alias == alias {
			return a, true
		}
	}
	return APIConfig{}, false
}
