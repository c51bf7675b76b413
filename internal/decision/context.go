package decision

import (
	"strings"
	"time"
)

// 中文说明：
// 交易上下文：行情、账户、策略与近期成交的聚合快照。
// 由外部 Context Builder 组装，构造后只读。

// MarketSnapshot 单币行情摘要。
type MarketSnapshot struct {
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
	High24h      float64 `json:"high_24h,omitempty"`
	Low24h       float64 `json:"low_24h,omitempty"`
	Volume24h    float64 `json:"volume_24h,omitempty"`
	Change24hPct float64 `json:"change_24h_pct,omitempty"`
}

// Position 持仓快照。
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "long" or "short"
	EntryPrice    float64 `json:"entry_price"`
	Quantity      float64 `json:"quantity"`
	AllocationUSD float64 `json:"allocation_usd"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	TakeProfit    float64 `json:"take_profit,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
}

// TradeSummary 近期成交摘要。
type TradeSummary struct {
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RiskMetrics 账户风险指标。
type RiskMetrics struct {
	TotalExposureUSD float64 `json:"total_exposure_usd"`
	// MaxExposurePct 总敞口上限（占余额百分比），0 表示使用默认值。
	MaxExposurePct float64 `json:"max_exposure_pct,omitempty"`
}

// DefaultMaxExposurePct 未配置时的总敞口上限。
const DefaultMaxExposurePct = 90.0

// Strategy 策略配置（由 Strategy Manager 提供）。
type Strategy struct {
	ID                 string   `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	MaxPositions       int      `json:"max_positions" yaml:"max_positions"`
	MaxRiskPerTrade    float64  `json:"max_risk_per_trade" yaml:"max_risk_per_trade"` // 单笔风险占余额百分比
	MaxDailyLoss       float64  `json:"max_daily_loss" yaml:"max_daily_loss"`         // 日亏损上限百分比
	DefaultStopLossPct float64  `json:"default_stop_loss_pct" yaml:"default_stop_loss_pct"`
	Timeframes         []string `json:"timeframes,omitempty" yaml:"timeframes"`
}

// AccountState 账户状态快照。
type AccountState struct {
	AccountID        int64       `json:"account_id"`
	Balance          float64     `json:"balance"`
	AvailableBalance float64     `json:"available_balance"`
	MaxPositionSize  float64     `json:"max_position_size,omitempty"`
	OpenPositions    []Position  `json:"open_positions,omitempty"`
	ActiveStrategy   *Strategy   `json:"active_strategy,omitempty"`
	Risk             RiskMetrics `json:"risk"`
}

// Position 返回指定币种的持仓（无则为 nil）。
func (a AccountState) Position(symbol string) *Position {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	for i := range a.OpenPositions {
		if strings.ToUpper(a.OpenPositions[i].Symbol) == sym {
			return &a.OpenPositions[i]
		}
	}
	return nil
}

// IsWithinRiskLimits 追加 additional 美元敞口后是否仍在总敞口上限内。
func (a AccountState) IsWithinRiskLimits(additional float64) bool {
	if a.Balance <= 0 {
		return additional <= 0
	}
	limit := a.Risk.MaxExposurePct
	if limit <= 0 {
		limit = DefaultMaxExposurePct
	}
	return a.Risk.TotalExposureUSD+additional <= a.Balance*limit/100
}

// ExposureRatio 追加 additional 后的敞口占余额比例（0~1+）。
func (a AccountState) ExposureRatio(additional float64) float64 {
	if a.Balance <= 0 {
		return 0
	}
	return (a.Risk.TotalExposureUSD + additional) / a.Balance
}

// Context 决策所用交易上下文。
type Context struct {
	Symbols      []string                  `json:"symbols"`
	AccountID    int64                     `json:"account_id"`
	Timeframes   []string                  `json:"timeframes"` // 恰好两个：主周期 + 长周期
	Market       map[string]MarketSnapshot `json:"market,omitempty"`
	Account      AccountState              `json:"account"`
	RecentTrades map[string][]TradeSummary `json:"recent_trades,omitempty"`
	Timestamp    time.Time                 `json:"timestamp"`
	// Errors 组装过程中的非致命问题（降级数据来源等）。
	Errors []string `json:"errors,omitempty"`
	// Extra 上游未知字段的逃生舱。
	Extra map[string]any `json:"extra,omitempty"`
}

// CurrentPrice 返回指定币种的现价，缺失时为 0。
func (c Context) CurrentPrice(symbol string) float64 {
	if c.Market == nil {
		return 0
	}
	return c.Market[strings.ToUpper(strings.TrimSpace(symbol))].CurrentPrice
}

// Degraded 上下文是否带有组装告警。
func (c Context) Degraded() bool { return len(c.Errors) > 0 }

// PlaceholderContext 历史记录重建用的最小占位上下文（完整上下文不做持久化）。
func PlaceholderContext(accountID int64, symbols, timeframes []string) Context {
	return Context{
		Symbols:    append([]string(nil), symbols...),
		AccountID:  accountID,
		Timeframes: append([]string(nil), timeframes...),
		Account:    AccountState{AccountID: accountID},
		Timestamp:  time.Now(),
		Errors:     []string{"Historical decision - full context not available"},
	}
}
