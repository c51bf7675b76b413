package validator

import (
	"fmt"
	"strings"
	"time"

	"arbiter/internal/decision"
)

// 中文说明：
// 回退决策：校验失败时替换原决策的保守方案。
// 每个原请求币种一条 hold、零分配、无止盈止损，构造上必然通过校验。

const (
	fallbackConfidence = 25
	maxCitedErrors     = 3
)

// Fallback 依据校验错误合成保守决策。
func (v *Validator) Fallback(d decision.TradingDecision, ctx decision.Context, errs []decision.ValidationIssue) decision.TradingDecision {
	symbols := ctx.Symbols
	if len(symbols) == 0 {
		symbols = make([]string, 0, len(d.Decisions))
		for _, ad := range d.Decisions {
			symbols = append(symbols, ad.Asset)
		}
	}
	rationale := fallbackRationale(errs)
	decisions := make([]decision.AssetDecision, 0, len(symbols))
	for _, sym := range symbols {
		decisions = append(decisions, decision.AssetDecision{
			Asset:         strings.ToUpper(strings.TrimSpace(sym)),
			Action:        decision.ActionHold,
			AllocationUSD: 0,
			Confidence:    fallbackConfidence,
			RiskLevel:     decision.RiskLow,
			Rationale:     rationale,
		})
	}
	return decision.TradingDecision{
		Decisions:          decisions,
		PortfolioRationale: rationale,
		TotalAllocationUSD: 0,
		PortfolioRiskLevel: decision.RiskLow,
		Timestamp:          time.Now(),
	}
}

func fallbackRationale(errs []decision.ValidationIssue) string {
	if len(errs) == 0 {
		return "Conservative hold: validation did not pass"
	}
	cited := make([]string, 0, maxCitedErrors)
	for i, issue := range errs {
		if i >= maxCitedErrors {
			break
		}
		cited = append(cited, issue.Message)
	}
	return fmt.Sprintf("Conservative hold due to validation failures: %s", strings.Join(cited, "; "))
}

// SyntheticContext 为独立校验接口构造最小上下文：
// 余额放宽到不干扰与账户无关的规则，市场价缺失则跳过价格类规则。
func SyntheticContext(d decision.TradingDecision) decision.Context {
	symbols := make([]string, 0, len(d.Decisions))
	for _, ad := range d.Decisions {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(ad.Asset)))
	}
	balance := d.TotalAllocationUSD * 10
	if balance < 100000 {
		balance = 100000
	}
	return decision.Context{
		Symbols:    symbols,
		Timeframes: []string{"1h", "4h"},
		Account: decision.AccountState{
			Balance:          balance,
			AvailableBalance: balance,
		},
		Timestamp: time.Now(),
		Errors:    []string{"synthetic context for standalone validation"},
	}
}
