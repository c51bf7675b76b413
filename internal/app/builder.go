package app

import (
	"context"
	"fmt"
	"time"

	"arbiter/internal/config"
	"arbiter/internal/engine"
	"arbiter/internal/gateway/contextbuilder"
	"arbiter/internal/gateway/llm"
	"arbiter/internal/gateway/strategy"
	"arbiter/internal/logger"
	"arbiter/internal/store/gormstore"
	apihttp "arbiter/internal/transport/http/api"
	"arbiter/internal/validator"
)

// AppBuilder 按配置装配引擎与 HTTP 服务。
// 各依赖可用 Option 覆盖（测试注入 mock 协作方）。
type AppBuilder struct {
	cfg *config.Config

	contextBuilderOverride engine.ContextBuilder
	strategiesOverride     engine.StrategyManager
	generatorOverride      engine.Generator
	repositoryOverride     engine.DecisionRepository
}

// AppBuilderOption 装配期覆盖项。
type AppBuilderOption func(*AppBuilder)

// WithContextBuilder 覆盖上下文组装客户端。
func WithContextBuilder(cb engine.ContextBuilder) AppBuilderOption {
	return func(b *AppBuilder) { b.contextBuilderOverride = cb }
}

// WithStrategyManager 覆盖策略注册表。
func WithStrategyManager(sm engine.StrategyManager) AppBuilderOption {
	return func(b *AppBuilder) { b.strategiesOverride = sm }
}

// WithGenerator 覆盖决策生成器。
func WithGenerator(g engine.Generator) AppBuilderOption {
	return func(b *AppBuilder) { b.generatorOverride = g }
}

// WithRepository 覆盖决策仓库。
func WithRepository(r engine.DecisionRepository) AppBuilderOption {
	return func(b *AppBuilder) { b.repositoryOverride = r }
}

// NewAppBuilder 构造装配器。
func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build 装配完整应用（不启动）。
func (b *AppBuilder) Build(_ context.Context) (*App, error) {
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	var store *gormstore.Store
	repo := b.repositoryOverride
	if repo == nil {
		s, err := gormstore.NewStore(cfg.Store.DecisionDB)
		if err != nil {
			return nil, fmt.Errorf("open decision store: %w", err)
		}
		store = s
		repo = s
	}

	strategies := b.strategiesOverride
	if strategies == nil {
		reg, err := strategy.NewRegistry(cfg.Strategies.Path)
		if err != nil {
			return nil, fmt.Errorf("load strategy registry: %w", err)
		}
		strategies = reg
	}

	builder := b.contextBuilderOverride
	if builder == nil {
		builder = contextbuilder.NewClient(
			cfg.ContextBuilder.BaseURL,
			time.Duration(cfg.ContextBuilder.TimeoutSec)*time.Second,
		)
	}

	generator := b.generatorOverride
	if generator == nil {
		caller := &llm.OpenAIChatClient{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			Timeout:    time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			MaxRetries: cfg.LLM.MaxRetries,
		}
		gen, err := llm.NewOpenAIGenerator(caller, cfg.LLM.Model, llm.CostTable{
			PromptPer1K:     cfg.LLM.PromptCostPer1K,
			CompletionPer1K: cfg.LLM.CompletionCostPer1K,
		})
		if err != nil {
			return nil, fmt.Errorf("build decision generator: %w", err)
		}
		generator = gen
	}

	v := validator.New()
	eng, err := engine.New(engine.Config{
		DefaultSymbols:   cfg.Engine.DefaultSymbols,
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		RateLimitMax:     cfg.Engine.RateLimitRequests,
		RateLimitWindow:  time.Duration(cfg.Engine.RateLimitWindowSec) * time.Second,
		BreakerThreshold: cfg.Engine.BreakerThreshold,
		BreakerTimeout:   time.Duration(cfg.Engine.BreakerTimeoutSec) * time.Second,
	}, engine.Deps{
		ContextBuilder: builder,
		Strategies:     strategies,
		Generator:      generator,
		Repository:     repo,
		Validator:      v,
	})
	if err != nil {
		return nil, fmt.Errorf("build decision engine: %w", err)
	}

	httpServer, err := apihttp.NewServer(apihttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Engine:    eng,
		Validator: v,
	})
	if err != nil {
		return nil, fmt.Errorf("build http server: %w", err)
	}

	logger.Infof("[app] assembled decision engine env=%s addr=%s model=%s db=%s",
		cfg.App.Env, cfg.App.HTTPAddr, cfg.LLM.Model, cfg.Store.DecisionDB)
	return &App{cfg: cfg, engine: eng, httpServer: httpServer, store: store}, nil
}
