package decision

import (
	"fmt"
	"sort"
	"strings"
)

// 中文说明：
// 缓存/任务键的拼装规则。决策键 = 排序后的币种 ⊕ 账户 ⊕ 策略；
// 上下文键不含策略。按账户或币种失效依赖键内的 token 子串匹配。

// CacheKey 决策缓存与任务追踪共用键。
func CacheKey(symbols []string, accountID int64, strategyOverride string) string {
	strat := strings.TrimSpace(strategyOverride)
	if strat == "" {
		strat = "default"
	}
	return fmt.Sprintf("%s|acct:%d|%s", sortedSymbolToken(symbols), accountID, strat)
}

// ContextKey 上下文缓存键（与策略无关）。
func ContextKey(symbols []string, accountID int64) string {
	return fmt.Sprintf("%s|acct:%d", sortedSymbolToken(symbols), accountID)
}

// AccountToken 账户在键中的 token，用于按账户失效。
func AccountToken(accountID int64) string {
	return fmt.Sprintf("acct:%d", accountID)
}

func sortedSymbolToken(symbols []string) string {
	ss := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			ss = append(ss, s)
		}
	}
	sort.Strings(ss)
	return strings.Join(ss, ",")
}
