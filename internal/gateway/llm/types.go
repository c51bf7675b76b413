package llm

import (
	"context"
	"errors"

	"arbiter/internal/decision"
)

// 中文说明：
// LLM 决策生成器契约。引擎只依赖接口；错误分级供熔断器分类：
// 仅 ErrAPI（下游接口故障）计入失败阈值。

var (
	// ErrAPI 下游模型接口故障（超时/限流/5xx），计入熔断。
	ErrAPI = errors.New("llm api error")
	// ErrMalformed 模型输出无法解析为合法决策。
	ErrMalformed = errors.New("llm output malformed")
	// ErrInsufficientData 上下文数据不足以生成决策。
	ErrInsufficientData = errors.New("insufficient data for decision")
)

// GenerateRequest 一次生成调用的输入。
type GenerateRequest struct {
	Symbols          []string
	Context          decision.Context
	StrategyOverride string
	ABTestName       string
}

// Generated 原始生成结果（未经业务校验）。
type Generated struct {
	Decision  decision.TradingDecision
	ModelUsed string
	APICost   float64
}

// Generator 将交易上下文转为结构化决策。
type Generator interface {
	GenerateDecision(ctx context.Context, req GenerateRequest) (Generated, error)
	HealthCheck(ctx context.Context) error
}

// IsAPIError 判断错误是否计入熔断。
func IsAPIError(err error) bool { return errors.Is(err, ErrAPI) }
