package engine

import (
	"context"

	"arbiter/internal/decision"
	"arbiter/internal/gateway/llm"
)

// 中文说明：
// 引擎对四个协作方的依赖以消费侧接口声明，便于替换与测试。
// 具体实现见 gateway/contextbuilder、gateway/strategy、gateway/llm 与 store/gormstore。

// ContextBuilder 组装交易上下文的外部服务。
type ContextBuilder interface {
	BuildTradingContext(ctx context.Context, symbols []string, accountID int64, timeframes []string, forceRefresh bool) (decision.Context, error)
	ClearCache(ctx context.Context, pattern string) error
}

// StrategyManager 策略注册与账户指派。
type StrategyManager interface {
	GetStrategy(ctx context.Context, id string) (*decision.Strategy, error)
	GetAccountStrategy(ctx context.Context, accountID int64) (*decision.Strategy, error)
	SwitchAccountStrategy(ctx context.Context, accountID int64, strategyID, reason, by string) error
	ResolveStrategyConflicts(ctx context.Context, accountID int64) ([]string, error)
}

// Generator 决策生成器（LLM）。
type Generator interface {
	GenerateDecision(ctx context.Context, req llm.GenerateRequest) (llm.Generated, error)
	HealthCheck(ctx context.Context) error
}

// DecisionRepository 决策持久化。
type DecisionRepository interface {
	SaveDecision(ctx context.Context, res decision.Result) error
	ListDecisions(ctx context.Context, q decision.HistoryQuery) ([]decision.StoredDecision, int64, error)
}
