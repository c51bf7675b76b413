package config

// Config 进程全量配置。
type Config struct {
	App            AppConfig            `yaml:"app"`
	Engine         EngineConfig         `yaml:"engine"`
	Store          StoreConfig          `yaml:"store"`
	LLM            LLMConfig            `yaml:"llm"`
	ContextBuilder ContextBuilderConfig `yaml:"context_builder"`
	Strategies     StrategiesConfig     `yaml:"strategies"`
}

// AppConfig 进程级配置。
type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	LogPath  string `yaml:"log_path"`
}

// EngineConfig 决策引擎编排参数。
type EngineConfig struct {
	DefaultSymbols        []string `yaml:"default_symbols"`
	MaxConcurrent         int      `yaml:"max_concurrent"`
	RateLimitRequests     int      `yaml:"rate_limit_requests"`
	RateLimitWindowSec    int      `yaml:"rate_limit_window_seconds"`
	BreakerThreshold      int      `yaml:"breaker_threshold"`
	BreakerTimeoutSec     int      `yaml:"breaker_timeout_seconds"`
	CacheSweepIntervalSec int      `yaml:"cache_sweep_seconds"`
}

// StoreConfig 决策持久化。
type StoreConfig struct {
	DecisionDB string `yaml:"decision_db"`
}

// LLMConfig 决策生成下游。
type LLMConfig struct {
	BaseURL             string  `yaml:"base_url"`
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`
	TimeoutSec          int     `yaml:"timeout_seconds"`
	MaxRetries          int     `yaml:"max_retries"`
	PromptCostPer1K     float64 `yaml:"prompt_cost_per_1k"`
	CompletionCostPer1K float64 `yaml:"completion_cost_per_1k"`
}

// ContextBuilderConfig 上下文组装下游。
type ContextBuilderConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_seconds"`
}

// StrategiesConfig 策略注册表。
type StrategiesConfig struct {
	Path string `yaml:"path"`
}
