package decision

import (
	"strings"
	"time"
)

// 中文说明：
// 决策领域类型：请求、交易上下文、单币决策、组合决策与校验/编排结果。
// 所有结构在构造后不再修改（上下文降级时按拷贝处理）。

// Action 单币决策动作。
type Action string

const (
	ActionBuy            Action = "buy"
	ActionSell           Action = "sell"
	ActionHold           Action = "hold"
	ActionAdjustPosition Action = "adjust_position"
	ActionClosePosition  Action = "close_position"
	ActionAdjustOrders   Action = "adjust_orders"
)

var validActions = map[Action]bool{
	ActionBuy: true, ActionSell: true, ActionHold: true,
	ActionAdjustPosition: true, ActionClosePosition: true, ActionAdjustOrders: true,
}

// Valid 判断动作是否合法。
func (a Action) Valid() bool { return validActions[a] }

// IsTrade 是否为开仓类动作（buy/sell）。
func (a Action) IsTrade() bool { return a == ActionBuy || a == ActionSell }

// RiskLevel 风险级别。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Request 一次决策请求（每次调用不可变）。
type Request struct {
	Symbols          []string `json:"symbols"`
	AccountID        int64    `json:"account_id"`
	StrategyOverride string   `json:"strategy_override,omitempty"`
	ForceRefresh     bool     `json:"force_refresh,omitempty"`
	ABTestName       string   `json:"ab_test_name,omitempty"`
}

// NormalizedSymbols 返回去空白、大写、按出现顺序去重后的币种列表。
func (r Request) NormalizedSymbols() []string {
	if len(r.Symbols) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(r.Symbols))
	out := make([]string, 0, len(r.Symbols))
	for _, sym := range r.Symbols {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// PositionAdjustment 调仓参数（action=adjust_position 时必填）。
type PositionAdjustment struct {
	TargetAllocationUSD float64 `json:"target_allocation_usd,omitempty"`
	AddAllocationUSD    float64 `json:"add_allocation_usd,omitempty"`
	ReducePct           float64 `json:"reduce_pct,omitempty"`
	Reason              string  `json:"reason,omitempty"`
}

// OrderAdjustment 挂单调整参数（action=adjust_orders 时必填，至少给出一项）。
type OrderAdjustment struct {
	AdjustTP *float64 `json:"adjust_tp,omitempty"`
	AdjustSL *float64 `json:"adjust_sl,omitempty"`
	CancelTP bool     `json:"cancel_tp,omitempty"`
	CancelSL bool     `json:"cancel_sl,omitempty"`
}

// Empty 判断是否没有任何调整项。
func (o OrderAdjustment) Empty() bool {
	return o.AdjustTP == nil && o.AdjustSL == nil && !o.CancelTP && !o.CancelSL
}

// AssetDecision 组合内单币决策。
type AssetDecision struct {
	Asset              string              `json:"asset"`
	Action             Action              `json:"action"`
	AllocationUSD      float64             `json:"allocation_usd"`
	PositionAdjustment *PositionAdjustment `json:"position_adjustment,omitempty"`
	OrderAdjustment    *OrderAdjustment    `json:"order_adjustment,omitempty"`
	TakeProfit         float64             `json:"take_profit,omitempty"`
	StopLoss           float64             `json:"stop_loss,omitempty"`
	ExitPlan           string              `json:"exit_plan,omitempty"`
	Rationale          string              `json:"rationale,omitempty"`
	Confidence         int                 `json:"confidence"`
	RiskLevel          RiskLevel           `json:"risk_level,omitempty"`
}

// TradingDecision 组合级决策。不变式：TotalAllocationUSD ≈ Σ AllocationUSD（容差 0.01）。
type TradingDecision struct {
	Decisions          []AssetDecision `json:"decisions"`
	PortfolioRationale string          `json:"portfolio_rationale,omitempty"`
	TotalAllocationUSD float64         `json:"total_allocation_usd"`
	PortfolioRiskLevel RiskLevel       `json:"portfolio_risk_level,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// AllocationSum 各币种分配之和。
func (d TradingDecision) AllocationSum() float64 {
	var sum float64
	for _, ad := range d.Decisions {
		sum += ad.AllocationUSD
	}
	return sum
}

// HoldOnly 是否全部为 hold。
func (d TradingDecision) HoldOnly() bool {
	for _, ad := range d.Decisions {
		if ad.Action != ActionHold {
			return false
		}
	}
	return len(d.Decisions) > 0
}

// HasTradeAction 是否包含 buy/sell。
func (d TradingDecision) HasTradeAction() bool {
	for _, ad := range d.Decisions {
		if ad.Action.IsTrade() {
			return true
		}
	}
	return false
}

// 决策缓存 TTL：全 hold 600s、含 buy/sell 180s、其余 300s。
const (
	HoldDecisionTTL  = 600 * time.Second
	TradeDecisionTTL = 180 * time.Second
	MixedDecisionTTL = 300 * time.Second

	// ContextTTL 上下文缓存固定 TTL（行情新鲜度上限）。
	ContextTTL = 120 * time.Second
)

// CacheTTL 依据决策内容选择缓存 TTL。
func (d TradingDecision) CacheTTL() time.Duration {
	switch {
	case d.HoldOnly():
		return HoldDecisionTTL
	case d.HasTradeAction():
		return TradeDecisionTTL
	default:
		return MixedDecisionTTL
	}
}

// ValidationIssue 单条校验问题，Rule 为所属规则名。
type ValidationIssue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationResult 校验结论。每次校验新建，不独立于决策缓存。
type ValidationResult struct {
	IsValid          bool              `json:"is_valid"`
	Errors           []ValidationIssue `json:"errors"`
	Warnings         []ValidationIssue `json:"warnings"`
	ValidationTimeMs float64           `json:"validation_time_ms"`
	RulesChecked     []string          `json:"rules_checked"`
}

// Result 引擎输出（缓存与持久化的单元）。
type Result struct {
	ID               string            `json:"id"`
	Decision         TradingDecision   `json:"decision"`
	Context          Context           `json:"context"`
	ValidationPassed bool              `json:"validation_passed"`
	ValidationErrors []ValidationIssue `json:"validation_errors,omitempty"`
	ProcessingTimeMs float64           `json:"processing_time_ms"`
	ModelUsed        string            `json:"model_used,omitempty"`
	APICost          float64           `json:"api_cost,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}
