package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"arbiter/internal/decision"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 中文说明：
// 决策持久化：Gorm + SQLite（WAL）。决策与校验错误以 JSON 列存储，
// schema_version=1 的旧行为单币平铺列，回读时归一化为多币形态。

const currentSchemaVersion = 2

// decisionModel 决策记录表。
type decisionModel struct {
	ID               string         `gorm:"primaryKey;size:36"`
	AccountID        int64          `gorm:"index:idx_decisions_account_created,priority:1"`
	Symbols          string         `gorm:"size:512"` // 逗号分隔、排序后的币种
	DecisionJSON     datatypes.JSON `gorm:"column:decision_json"`
	ValidationPassed bool
	ErrorsJSON       datatypes.JSON `gorm:"column:errors_json"`
	ProcessingTimeMs float64
	ModelUsed        string  `gorm:"size:128"`
	APICost          float64 `gorm:"column:api_cost"`
	SchemaVersion    int     `gorm:"default:2"`

	// 旧版单币列（schema_version=1 时有效）。
	LegacySymbol     string  `gorm:"size:64"`
	LegacyAction     string  `gorm:"size:32"`
	LegacyAllocation float64

	CreatedAt time.Time `gorm:"index:idx_decisions_account_created,priority:2"`
}

func (decisionModel) TableName() string { return "decisions" }

// Store Gorm 决策仓库。
type Store struct {
	db *gorm.DB
}

// NewStore 打开（必要时建出目录）SQLite 决策库并迁移表结构。
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 决策库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&decisionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP reads
	// while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveDecision 持久化一次决策结果。完整上下文不落库（只存决策与结论）。
func (s *Store) SaveDecision(ctx context.Context, res decision.Result) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	decisionJSON, err := json.Marshal(res.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	errorsJSON, err := json.Marshal(res.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}
	id := res.ID
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	rec := decisionModel{
		ID:               id,
		AccountID:        res.Context.AccountID,
		Symbols:          joinSymbols(res.Context.Symbols),
		DecisionJSON:     datatypes.JSON(decisionJSON),
		ValidationPassed: res.ValidationPassed,
		ErrorsJSON:       datatypes.JSON(errorsJSON),
		ProcessingTimeMs: res.ProcessingTimeMs,
		ModelUsed:        res.ModelUsed,
		APICost:          res.APICost,
		SchemaVersion:    currentSchemaVersion,
		CreatedAt:        createdAt,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// ListDecisions 分页回读历史决策，按创建时间倒序。
// 返回记录、总数与错误；Symbol 过滤由调用方在归一化结果上执行。
func (s *Store) ListDecisions(ctx context.Context, q decision.HistoryQuery) ([]decision.StoredDecision, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("gorm store 未初始化")
	}
	tx := s.db.WithContext(ctx).Model(&decisionModel{}).Where("account_id = ?", q.AccountID)
	if !q.Start.IsZero() {
		tx = tx.Where("created_at >= ?", q.Start)
	}
	if !q.End.IsZero() {
		tx = tx.Where("created_at <= ?", q.End)
	}
	if sym := strings.ToUpper(strings.TrimSpace(q.Symbol)); sym != "" {
		// 预过滤：多币行的 symbols 列包含该币种，或旧行的 legacy_symbol 精确匹配。
		tx = tx.Where("symbols LIKE ? OR legacy_symbol = ?", "%"+sym+"%", sym)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows []decisionModel
	if err := tx.Order("created_at DESC").Limit(limit).Offset(q.Offset).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]decision.StoredDecision, 0, len(rows))
	for i := range rows {
		stored, err := normalizeRow(&rows[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, stored)
	}
	return out, total, nil
}

// normalizeRow 把数据库行转回领域记录；旧版行平铺列重建为单币决策。
func normalizeRow(row *decisionModel) (decision.StoredDecision, error) {
	stored := decision.StoredDecision{
		ID:               row.ID,
		AccountID:        row.AccountID,
		Symbols:          splitSymbols(row.Symbols),
		ValidationPassed: row.ValidationPassed,
		ProcessingTimeMs: row.ProcessingTimeMs,
		ModelUsed:        row.ModelUsed,
		APICost:          row.APICost,
		Legacy:           row.SchemaVersion < currentSchemaVersion,
		CreatedAt:        row.CreatedAt,
	}
	if len(row.ErrorsJSON) > 0 {
		if err := json.Unmarshal(row.ErrorsJSON, &stored.ValidationErrors); err != nil {
			return stored, fmt.Errorf("unmarshal errors (id=%s): %w", row.ID, err)
		}
	}
	if stored.Legacy {
		sym := strings.ToUpper(strings.TrimSpace(row.LegacySymbol))
		stored.Symbols = []string{sym}
		stored.Decision = decision.TradingDecision{
			Decisions: []decision.AssetDecision{{
				Asset:         sym,
				Action:        decision.Action(row.LegacyAction),
				AllocationUSD: row.LegacyAllocation,
			}},
			TotalAllocationUSD: row.LegacyAllocation,
			Timestamp:          row.CreatedAt,
		}
		return stored, nil
	}
	if len(row.DecisionJSON) > 0 {
		if err := json.Unmarshal(row.DecisionJSON, &stored.Decision); err != nil {
			return stored, fmt.Errorf("unmarshal decision (id=%s): %w", row.ID, err)
		}
	}
	return stored, nil
}

func joinSymbols(symbols []string) string {
	ss := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			ss = append(ss, s)
		}
	}
	return strings.Join(ss, ",")
}

func splitSymbols(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
