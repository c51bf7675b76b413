package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppHTTPAddr     = ":8080"
	defaultDecisionDB      = "/data/arbiter/decisions.db"
	defaultMaxConcurrent   = 10
	defaultRateLimitReqs   = 60
	defaultRateLimitWindow = 60
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 60
	defaultCacheSweep      = 60
	defaultLLMModel        = "gpt-4o"
	defaultLLMTimeout      = 120
	defaultLLMRetries      = 2
	defaultBuilderTimeout  = 15
	defaultStrategiesPath  = "configs/strategies.yaml"
)

// Load 读取并校验 YAML 配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	applyDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("app.env", defaultAppEnv)
	v.SetDefault("app.log_level", defaultAppLogLevel)
	v.SetDefault("app.http_addr", defaultAppHTTPAddr)
	v.SetDefault("store.decision_db", defaultDecisionDB)
	v.SetDefault("engine.max_concurrent", defaultMaxConcurrent)
	v.SetDefault("engine.rate_limit_requests", defaultRateLimitReqs)
	v.SetDefault("engine.rate_limit_window_seconds", defaultRateLimitWindow)
	v.SetDefault("engine.breaker_threshold", defaultBreakerFailures)
	v.SetDefault("engine.breaker_timeout_seconds", defaultBreakerTimeout)
	v.SetDefault("engine.cache_sweep_seconds", defaultCacheSweep)
	v.SetDefault("llm.model", defaultLLMModel)
	v.SetDefault("llm.timeout_seconds", defaultLLMTimeout)
	v.SetDefault("llm.max_retries", defaultLLMRetries)
	v.SetDefault("context_builder.timeout_seconds", defaultBuilderTimeout)
	v.SetDefault("strategies.path", defaultStrategiesPath)
}

func validate(c *Config) error {
	var problems []string
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		problems = append(problems, "llm.base_url 不能为空")
	} else if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		problems = append(problems, fmt.Sprintf("llm.base_url 非法: %v", err))
	}
	if strings.TrimSpace(c.ContextBuilder.BaseURL) == "" {
		problems = append(problems, "context_builder.base_url 不能为空")
	}
	if c.Engine.MaxConcurrent <= 0 {
		problems = append(problems, "engine.max_concurrent 必须为正数")
	}
	if c.Engine.RateLimitRequests <= 0 || c.Engine.RateLimitWindowSec <= 0 {
		problems = append(problems, "engine.rate_limit_requests 与 engine.rate_limit_window_seconds 必须为正数")
	}
	if c.Engine.BreakerThreshold <= 0 || c.Engine.BreakerTimeoutSec <= 0 {
		problems = append(problems, "engine.breaker_threshold 与 engine.breaker_timeout_seconds 必须为正数")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
