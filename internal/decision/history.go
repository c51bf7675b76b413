package decision

import "time"

// HistoryQuery 历史决策查询条件。Start/End 为零值表示不限。
type HistoryQuery struct {
	AccountID int64
	Symbol    string
	Limit     int
	Offset    int
	Start     time.Time
	End       time.Time
}

// StoredDecision 持久化层回读的决策记录。
// 早于多币种支持的旧记录由存储层归一化成单币决策形态，
// Legacy 置位以便调用方按旧语义过滤。
type StoredDecision struct {
	ID               string
	AccountID        int64
	Symbols          []string
	Decision         TradingDecision
	ValidationPassed bool
	ValidationErrors []ValidationIssue
	ProcessingTimeMs float64
	ModelUsed        string
	APICost          float64
	Legacy           bool
	CreatedAt        time.Time
}
