package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"arbiter/internal/logger"
)

// 中文说明：
// OpenAIGenerator：把交易上下文组装为提示词，调用聊天补全，
// 解析并结构校验模型输出，返回原始组合决策与成本估算。

// CostTable 每千 token 的美元价，用于 api_cost 估算。
type CostTable struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// OpenAIGenerator 基于 OpenAI 兼容接口的决策生成器。
type OpenAIGenerator struct {
	caller ChatCaller
	model  string
	costs  CostTable
	parser *responseParser
}

// NewOpenAIGenerator 构造生成器。
func NewOpenAIGenerator(caller ChatCaller, model string, costs CostTable) (*OpenAIGenerator, error) {
	parser, err := newResponseParser()
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return &OpenAIGenerator{caller: caller, model: model, costs: costs, parser: parser}, nil
}

var _ Generator = (*OpenAIGenerator)(nil)

// GenerateDecision 实现 Generator。
func (g *OpenAIGenerator) GenerateDecision(ctx context.Context, req GenerateRequest) (Generated, error) {
	if len(req.Symbols) == 0 {
		return Generated{}, fmt.Errorf("%w: 请求缺少币种", ErrInsufficientData)
	}
	if len(req.Context.Market) == 0 {
		return Generated{}, fmt.Errorf("%w: 上下文缺少行情数据", ErrInsufficientData)
	}
	system := buildSystemPrompt(req)
	user, err := buildUserPrompt(req)
	if err != nil {
		return Generated{}, err
	}

	resp, err := g.caller.CallWithMessages(ctx, system, user)
	if err != nil {
		return Generated{}, err
	}
	td, err := g.parser.parse(resp.Content)
	if err != nil {
		logger.Warnf("[llm] 决策解析失败 symbols=%s err=%v", strings.Join(req.Symbols, ","), err)
		return Generated{}, err
	}
	if td.Timestamp.IsZero() {
		td.Timestamp = time.Now()
	}
	return Generated{
		Decision:  td,
		ModelUsed: g.model,
		APICost:   g.estimateCost(resp.Usage),
	}, nil
}

// HealthCheck 以空消息探测下游可达性（只看连接层错误）。
func (g *OpenAIGenerator) HealthCheck(ctx context.Context) error {
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := g.caller.CallWithMessages(probe, "", `Reply with {"ok":true}`)
	if err != nil && IsAPIError(err) {
		return err
	}
	return nil
}

func (g *OpenAIGenerator) estimateCost(usage ChatUsage) float64 {
	return float64(usage.PromptTokens)/1000*g.costs.PromptPer1K +
		float64(usage.CompletionTokens)/1000*g.costs.CompletionPer1K
}

// ------------------------------------------------------------ 提示词组装

func buildSystemPrompt(req GenerateRequest) string {
	var sb strings.Builder
	sb.WriteString("You are a portfolio trading decision engine. ")
	sb.WriteString("Given market, account and strategy context, produce exactly one decision per requested asset.\n")
	sb.WriteString("Respond with a single JSON object: {\"decisions\": [...], \"portfolio_rationale\": string, ")
	sb.WriteString("\"total_allocation_usd\": number, \"portfolio_risk_level\": \"low\"|\"medium\"|\"high\"}.\n")
	sb.WriteString("Each decision: {\"asset\", \"action\" (buy|sell|hold|adjust_position|close_position|adjust_orders), ")
	sb.WriteString("\"allocation_usd\", \"take_profit\", \"stop_loss\", \"exit_plan\", \"rationale\", \"confidence\" (0-100), \"risk_level\"}.\n")
	sb.WriteString("total_allocation_usd must equal the sum of allocation_usd values.")
	if req.StrategyOverride != "" {
		fmt.Fprintf(&sb, "\nActive strategy override: %s.", req.StrategyOverride)
	}
	if req.ABTestName != "" {
		fmt.Fprintf(&sb, "\nA/B cohort: %s.", req.ABTestName)
	}
	return sb.String()
}

func buildUserPrompt(req GenerateRequest) (string, error) {
	payload := map[string]any{
		"symbols":    req.Symbols,
		"timeframes": req.Context.Timeframes,
		"market":     req.Context.Market,
		"account": map[string]any{
			"balance":           req.Context.Account.Balance,
			"available_balance": req.Context.Account.AvailableBalance,
			"open_positions":    req.Context.Account.OpenPositions,
			"strategy":          req.Context.Account.ActiveStrategy,
		},
		"recent_trades": req.Context.RecentTrades,
	}
	if len(req.Context.Errors) > 0 {
		payload["context_warnings"] = req.Context.Errors
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	return string(b), nil
}
