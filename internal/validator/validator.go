package validator

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"arbiter/internal/decision"

	"github.com/shopspring/decimal"
)

// 中文说明：
// 决策校验器：schema → 组合分配 → 业务规则 → 风险规则 四阶段流水线。
// 所有阶段都会执行（不短路），错误/警告按序累积，rulesChecked 记录已执行阶段。
// 校验是 (decision, context) 的纯函数，可并发调用；计数器用原子操作。

// 阶段名（写入 rulesChecked）。
const (
	StageSchema    = "schema"
	StagePortfolio = "portfolio_allocation"
	StageBusiness  = "business_rules"
	StageRisk      = "risk_rules"
)

// 细分规则名（写入 ValidationIssue.Rule）。
const (
	RuleSchema          = "schema"
	RulePortfolioAlloc  = "portfolio_allocation"
	RuleAllocationLimit = "allocation_limit"
	RulePriceLogic      = "price_logic"
	RulePositionSize    = "position_size"
	RuleActionRequire   = "action_requirements"
	RuleStrategyRisk    = "strategy_risk"
	RuleTotalExposure   = "total_exposure"
	RuleDailyLoss       = "daily_loss"
	RuleCorrelation     = "correlation_risk"
	RuleConcentration   = "concentration_risk"
)

// allocTolerance 组合分配对账的绝对容差。
var allocTolerance = decimal.NewFromFloat(0.01)

// 敞口预警阈值。
const (
	exposureWarnLow   = 0.60
	exposureWarnHigh  = 0.80
	concentrationErr  = 0.60
	concentrationWarn = 0.50
	balanceWarnRatio  = 0.50
)

// Validator 决策校验器。规则表为静态配置，实例可跨请求共享。
type Validator struct {
	validations int64
	failures    int64
}

// New 构造校验器。
func New() *Validator { return &Validator{} }

type collector struct {
	errors   []decision.ValidationIssue
	warnings []decision.ValidationIssue
}

func (c *collector) errorf(rule, format string, args ...any) {
	c.errors = append(c.errors, decision.ValidationIssue{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) warnf(rule, format string, args ...any) {
	c.warnings = append(c.warnings, decision.ValidationIssue{Rule: rule, Message: fmt.Sprintf(format, args...)})
}

// Validate 对决策执行全部校验阶段并返回结论。
func (v *Validator) Validate(d decision.TradingDecision, ctx decision.Context) decision.ValidationResult {
	start := time.Now()
	col := &collector{}
	rules := make([]string, 0, 4)

	v.checkSchema(col, d)
	rules = append(rules, StageSchema)

	v.checkPortfolioAllocation(col, d, ctx)
	rules = append(rules, StagePortfolio)

	v.checkBusinessRules(col, d, ctx)
	rules = append(rules, StageBusiness)

	v.checkRiskRules(col, d, ctx)
	rules = append(rules, StageRisk)

	atomic.AddInt64(&v.validations, 1)
	if len(col.errors) > 0 {
		atomic.AddInt64(&v.failures, 1)
	}
	return decision.ValidationResult{
		IsValid:          len(col.errors) == 0,
		Errors:           col.errors,
		Warnings:         col.warnings,
		ValidationTimeMs: float64(time.Since(start).Microseconds()) / 1000.0,
		RulesChecked:     rules,
	}
}

// Counters 返回累计校验次数与失败次数。
func (v *Validator) Counters() (validations, failures int64) {
	return atomic.LoadInt64(&v.validations), atomic.LoadInt64(&v.failures)
}

// ---------------------------------------------------------------- 阶段 1

func (v *Validator) checkSchema(col *collector, d decision.TradingDecision) {
	for i := range d.Decisions {
		ad := &d.Decisions[i]
		asset := ad.Asset
		if !ad.Action.Valid() {
			col.errorf(RuleSchema, "%s: 非法 action %q", asset, string(ad.Action))
			continue
		}
		if ad.AllocationUSD < 0 {
			col.errorf(RuleSchema, "%s: allocation_usd 不能为负 (%.2f)", asset, ad.AllocationUSD)
		}
		if ad.Confidence < 0 || ad.Confidence > 100 {
			col.errorf(RuleSchema, "%s: confidence 须在 0-100 (实际 %d)", asset, ad.Confidence)
		}
		switch ad.Action {
		case decision.ActionAdjustPosition:
			if ad.PositionAdjustment == nil {
				col.errorf(RuleSchema, "%s: adjust_position 需提供 position_adjustment", asset)
			}
		case decision.ActionAdjustOrders:
			if ad.OrderAdjustment == nil || ad.OrderAdjustment.Empty() {
				col.errorf(RuleSchema, "%s: adjust_orders 需至少给出 adjust_tp/adjust_sl/cancel_tp/cancel_sl 之一", asset)
			}
		case decision.ActionBuy, decision.ActionSell:
			if strings.TrimSpace(ad.Rationale) == "" {
				col.errorf(RuleSchema, "%s: %s 需提供 rationale", asset, ad.Action)
			}
			if strings.TrimSpace(ad.ExitPlan) == "" {
				col.errorf(RuleSchema, "%s: %s 需提供 exit_plan", asset, ad.Action)
			}
			if ad.AllocationUSD <= 0 {
				col.errorf(RuleSchema, "%s: %s 需提供 allocation_usd>0", asset, ad.Action)
			}
		case decision.ActionHold:
			if ad.AllocationUSD != 0 {
				col.warnf(RuleSchema, "%s: hold 决策通常应为 allocation_usd=0 (实际 %.2f)", asset, ad.AllocationUSD)
			}
		}
	}
}

// ---------------------------------------------------------------- 阶段 2

func (v *Validator) checkPortfolioAllocation(col *collector, d decision.TradingDecision, ctx decision.Context) {
	sum := decimal.Zero
	for _, ad := range d.Decisions {
		sum = sum.Add(decimal.NewFromFloat(ad.AllocationUSD))
	}
	total := decimal.NewFromFloat(d.TotalAllocationUSD)
	if diff := sum.Sub(total).Abs(); diff.GreaterThan(allocTolerance) {
		col.errorf(RulePortfolioAlloc, "分配对账失败: Σallocation=%s 与 total=%s 差 %s 超出容差 0.01",
			sum.StringFixed(2), total.StringFixed(2), diff.StringFixed(2))
	}
	if d.TotalAllocationUSD > ctx.Account.AvailableBalance {
		col.errorf(RulePortfolioAlloc, "总分配 %.2f 超出可用余额 %.2f",
			d.TotalAllocationUSD, ctx.Account.AvailableBalance)
	}
}

// ---------------------------------------------------------------- 阶段 3

func (v *Validator) checkBusinessRules(col *collector, d decision.TradingDecision, ctx decision.Context) {
	strategy := ctx.Account.ActiveStrategy
	newPositions := 0
	for i := range d.Decisions {
		ad := &d.Decisions[i]
		v.checkAllocationLimit(col, ad, ctx)
		v.checkPriceLogic(col, ad, ctx)
		v.checkPositionSize(col, ad, ctx)

		pos := ctx.Account.Position(ad.Asset)
		switch ad.Action {
		case decision.ActionAdjustPosition, decision.ActionClosePosition, decision.ActionAdjustOrders:
			if pos == nil {
				col.errorf(RuleActionRequire, "%s: %s 需要已有持仓", ad.Asset, ad.Action)
			}
		case decision.ActionBuy, decision.ActionSell:
			if pos == nil {
				newPositions++
			}
			v.checkStrategyRisk(col, ad, ctx, strategy)
		}
	}
	if strategy != nil && strategy.MaxPositions > 0 {
		open := len(ctx.Account.OpenPositions)
		if open+newPositions > strategy.MaxPositions {
			col.errorf(RuleActionRequire, "新开仓后持仓数 %d 超出策略上限 %d", open+newPositions, strategy.MaxPositions)
		}
	}
}

func (v *Validator) checkAllocationLimit(col *collector, ad *decision.AssetDecision, ctx decision.Context) {
	if ad.AllocationUSD <= 0 {
		return
	}
	avail := ctx.Account.AvailableBalance
	if ad.AllocationUSD > avail {
		col.errorf(RuleAllocationLimit, "%s: 分配 %.2f 超出可用余额 %.2f (exceeds available balance)",
			ad.Asset, ad.AllocationUSD, avail)
		return
	}
	if avail > 0 && ad.AllocationUSD > avail*balanceWarnRatio {
		col.warnf(RuleAllocationLimit, "%s: 分配 %.2f 超过可用余额的 50%%", ad.Asset, ad.AllocationUSD)
	}
}

func (v *Validator) checkPriceLogic(col *collector, ad *decision.AssetDecision, ctx decision.Context) {
	if !ad.Action.IsTrade() {
		return
	}
	price := ctx.CurrentPrice(ad.Asset)
	if price <= 0 || (ad.TakeProfit == 0 && ad.StopLoss == 0) {
		return
	}
	var risk, reward float64
	switch ad.Action {
	case decision.ActionBuy:
		if ad.TakeProfit > 0 && ad.TakeProfit <= price {
			col.errorf(RulePriceLogic, "%s: 做多要求止盈 %.2f > 现价 %.2f", ad.Asset, ad.TakeProfit, price)
		}
		if ad.StopLoss > 0 && ad.StopLoss >= price {
			col.errorf(RulePriceLogic, "%s: 做多要求止损 %.2f < 现价 %.2f", ad.Asset, ad.StopLoss, price)
		}
		risk = price - ad.StopLoss
		reward = ad.TakeProfit - price
	case decision.ActionSell:
		if ad.TakeProfit > 0 && ad.TakeProfit >= price {
			col.errorf(RulePriceLogic, "%s: 做空要求止盈 %.2f < 现价 %.2f", ad.Asset, ad.TakeProfit, price)
		}
		if ad.StopLoss > 0 && ad.StopLoss <= price {
			col.errorf(RulePriceLogic, "%s: 做空要求止损 %.2f > 现价 %.2f", ad.Asset, ad.StopLoss, price)
		}
		risk = ad.StopLoss - price
		reward = price - ad.TakeProfit
	}
	if ad.TakeProfit > 0 && ad.StopLoss > 0 && risk > 0 && reward > 0 && reward/risk < 1.0 {
		col.warnf(RulePriceLogic, "%s: 盈亏比 %.2f 低于 1:1", ad.Asset, reward/risk)
	}
}

func (v *Validator) checkPositionSize(col *collector, ad *decision.AssetDecision, ctx decision.Context) {
	maxSize := ctx.Account.MaxPositionSize
	if maxSize <= 0 || ad.AllocationUSD <= 0 {
		return
	}
	if ad.AllocationUSD > maxSize {
		col.errorf(RulePositionSize, "%s: 分配 %.2f 超出单仓上限 %.2f", ad.Asset, ad.AllocationUSD, maxSize)
	}
}

// checkStrategyRisk 校验单笔风险不超过策略的 maxRiskPerTrade。
// 止损百分比优先由 sl 价格推导，缺失时回落策略默认值。
func (v *Validator) checkStrategyRisk(col *collector, ad *decision.AssetDecision, ctx decision.Context, strategy *decision.Strategy) {
	if strategy == nil || strategy.MaxRiskPerTrade <= 0 || ad.AllocationUSD <= 0 {
		return
	}
	entry := ctx.CurrentPrice(ad.Asset)
	slPct := strategy.DefaultStopLossPct
	if ad.StopLoss > 0 && entry > 0 {
		switch ad.Action {
		case decision.ActionBuy:
			slPct = (entry - ad.StopLoss) / entry * 100
		case decision.ActionSell:
			slPct = (ad.StopLoss - entry) / entry * 100
		}
	}
	if slPct <= 0 {
		return
	}
	actualRisk := ad.AllocationUSD * slPct / 100
	maxRisk := ctx.Account.Balance * strategy.MaxRiskPerTrade / 100
	if actualRisk > maxRisk {
		col.errorf(RuleStrategyRisk, "%s: 单笔风险 %.2f 超出策略上限 %.2f (止损 %.2f%%)",
			ad.Asset, actualRisk, maxRisk, slPct)
	}
}

// ---------------------------------------------------------------- 阶段 4

func (v *Validator) checkRiskRules(col *collector, d decision.TradingDecision, ctx decision.Context) {
	additional := d.AllocationSum()
	// 仅在新增敞口时检查总敞口；已有超限持仓不应让零分配决策失败
	//（回退决策必须恒通过）。
	if additional > 0 {
		if !ctx.Account.IsWithinRiskLimits(additional) {
			col.errorf(RuleTotalExposure, "追加 %.2f 后总敞口超出账户风险上限", additional)
		}
		switch ratio := ctx.Account.ExposureRatio(additional); {
		case ratio > exposureWarnHigh:
			col.warnf(RuleTotalExposure, "总敞口达余额的 %.0f%%（超过 80%% 预警线）", ratio*100)
		case ratio > exposureWarnLow:
			col.warnf(RuleTotalExposure, "总敞口达余额的 %.0f%%（超过 60%% 预警线）", ratio*100)
		}
	}
	v.checkDailyLoss(col, d, ctx)
	v.checkCorrelation(col, d, ctx)
	v.checkConcentration(col, d)
}

func (v *Validator) checkDailyLoss(col *collector, _ decision.TradingDecision, ctx decision.Context) {
	strategy := ctx.Account.ActiveStrategy
	if strategy == nil || strategy.MaxDailyLoss <= 0 || ctx.Account.Balance <= 0 {
		return
	}
	var unrealized float64
	for _, pos := range ctx.Account.OpenPositions {
		unrealized += pos.UnrealizedPnL
	}
	limit := ctx.Account.Balance * strategy.MaxDailyLoss / 100
	if unrealized < 0 && -unrealized >= limit {
		col.warnf(RuleDailyLoss, "浮亏 %.2f 已触及日亏损上限 %.2f", -unrealized, limit)
	}
}

func (v *Validator) checkCorrelation(col *collector, d decision.TradingDecision, ctx decision.Context) {
	groups := make(map[string][]string)
	add := func(symbol string) {
		base := BaseCurrency(symbol)
		if base == "" {
			return
		}
		groups[base] = append(groups[base], strings.ToUpper(symbol))
	}
	for _, pos := range ctx.Account.OpenPositions {
		add(pos.Symbol)
	}
	for _, ad := range d.Decisions {
		if ad.Action.IsTrade() && ctx.Account.Position(ad.Asset) == nil {
			add(ad.Asset)
		}
	}
	bases := make([]string, 0, len(groups))
	for base, members := range groups {
		if len(members) > 1 {
			bases = append(bases, base)
		}
	}
	sort.Strings(bases)
	for _, base := range bases {
		col.warnf(RuleCorrelation, "基础货币 %s 存在 %d 个相关敞口: %s",
			base, len(groups[base]), strings.Join(groups[base], ", "))
	}
}

func (v *Validator) checkConcentration(col *collector, d decision.TradingDecision) {
	if d.TotalAllocationUSD <= 0 {
		return
	}
	// 单币组合天然 100% 集中，集中度只对多币组合有意义。
	allocated := 0
	for _, ad := range d.Decisions {
		if ad.AllocationUSD > 0 {
			allocated++
		}
	}
	if allocated <= 1 {
		return
	}
	for _, ad := range d.Decisions {
		if ad.AllocationUSD <= 0 {
			continue
		}
		share := ad.AllocationUSD / d.TotalAllocationUSD
		switch {
		case share > concentrationErr:
			col.errorf(RuleConcentration, "%s: 占组合 %.0f%%，超出 60%% 集中度上限", ad.Asset, share*100)
		case share > concentrationWarn:
			col.warnf(RuleConcentration, "%s: 占组合 %.0f%%，超过 50%% 集中度预警线", ad.Asset, share*100)
		}
	}
}

// quoteSuffixes 已知计价货币后缀，长的优先匹配。
var quoteSuffixes = []string{"USDT", "USDC", "USD", "BTC", "ETH", "EUR", "GBP"}

// BaseCurrency 从交易对符号提取归一化基础货币。
// 去掉已知计价后缀；无法识别时取前 3 个字符。
func BaseCurrency(symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	sym = strings.NewReplacer("/", "", "-", "", "_", "").Replace(sym)
	if sym == "" {
		return ""
	}
	for _, quote := range quoteSuffixes {
		if strings.HasSuffix(sym, quote) && len(sym) > len(quote) {
			return strings.TrimSuffix(sym, quote)
		}
	}
	if len(sym) > 3 {
		return sym[:3]
	}
	return sym
}
