package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"arbiter/internal/decision"
	"arbiter/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// 中文说明：
// 文件型策略注册表：YAML 定义策略与账户→策略指派，fsnotify 热更新。
// 运行期的切换记录在内存 overlay 中，重载只刷新文件内的基线。

// ErrStrategyNotFound 指定策略不存在。
var ErrStrategyNotFound = fmt.Errorf("strategy not found")

// fileConfig 映射策略配置文件。
type fileConfig struct {
	Strategies  map[string]decision.Strategy `mapstructure:"strategies"`
	Assignments map[string]string            `mapstructure:"assignments"` // accountID -> strategyID
	Default     string                       `mapstructure:"default"`
}

// SwitchRecord 一次策略切换的审计记录。
type SwitchRecord struct {
	AccountID  int64     `json:"account_id" yaml:"account_id"`
	FromID     string    `json:"from_id" yaml:"from_id"`
	ToID       string    `json:"to_id" yaml:"to_id"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	SwitchedBy string    `json:"switched_by,omitempty" yaml:"switched_by,omitempty"`
	SwitchedAt time.Time `json:"switched_at" yaml:"switched_at"`
}

// Registry 策略注册表。
type Registry struct {
	path string
	v    *viper.Viper

	mu          sync.RWMutex
	strategies  map[string]decision.Strategy
	assignments map[int64]string // 文件基线
	overrides   map[int64]string // 运行期切换 overlay
	defaultID   string
	history     []SwitchRecord
	version     int64
}

// NewRegistry 读取策略文件并监听热更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("strategy registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read strategy config failed: %w", err)
	}
	r := &Registry{path: path, v: v, overrides: make(map[int64]string)}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("strategy registry reload failed (%s): %v", evt.Name, err)
		}
	})
	v.WatchConfig()
	return r, nil
}

func (r *Registry) reload() error {
	var cfg fileConfig
	if err := r.v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return fmt.Errorf("parse strategy config failed: %w", err)
	}
	strategies := make(map[string]decision.Strategy, len(cfg.Strategies))
	for id, s := range cfg.Strategies {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s.ID = id
		if s.Name == "" {
			s.Name = id
		}
		strategies[id] = s
	}
	assignments := make(map[int64]string, len(cfg.Assignments))
	for rawID, stratID := range cfg.Assignments {
		acct, err := strconv.ParseInt(strings.TrimSpace(rawID), 10, 64)
		if err != nil {
			logger.Warnf("strategy registry: 非法账户 ID %q，已跳过", rawID)
			continue
		}
		assignments[acct] = strings.TrimSpace(stratID)
	}
	r.mu.Lock()
	r.strategies = strategies
	r.assignments = assignments
	r.defaultID = strings.TrimSpace(cfg.Default)
	r.version++
	version := r.version
	r.mu.Unlock()
	logger.Infof("strategy registry loaded %d strategies from %s (version=%d)",
		len(strategies), filepath.Base(r.path), version)
	return nil
}

// GetStrategy 按 ID 查询策略。
func (r *Registry) GetStrategy(_ context.Context, id string) (*decision.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStrategyNotFound, id)
	}
	dup := s
	return &dup, nil
}

// GetAccountStrategy 返回账户当前生效的策略（切换 overlay 优先，
// 其次文件指派，再次默认策略；都没有则返回 nil）。
func (r *Registry) GetAccountStrategy(_ context.Context, accountID int64) (*decision.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := r.overrides[accountID]
	if id == "" {
		id = r.assignments[accountID]
	}
	if id == "" {
		id = r.defaultID
	}
	if id == "" {
		return nil, nil
	}
	s, ok := r.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s (assigned to account %d)", ErrStrategyNotFound, id, accountID)
	}
	dup := s
	return &dup, nil
}

// SwitchAccountStrategy 切换账户策略并记录审计。
func (r *Registry) SwitchAccountStrategy(_ context.Context, accountID int64, strategyID, reason, by string) error {
	strategyID = strings.TrimSpace(strategyID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[strategyID]; !ok {
		return fmt.Errorf("%w: %s", ErrStrategyNotFound, strategyID)
	}
	from := r.overrides[accountID]
	if from == "" {
		from = r.assignments[accountID]
	}
	r.overrides[accountID] = strategyID
	r.history = append(r.history, SwitchRecord{
		AccountID:  accountID,
		FromID:     from,
		ToID:       strategyID,
		Reason:     reason,
		SwitchedBy: by,
		SwitchedAt: time.Now(),
	})
	logger.Infof("strategy switch account=%d %s -> %s by=%s reason=%s", accountID, from, strategyID, by, reason)
	return nil
}

// ResolveStrategyConflicts 检查并修复账户的策略指派冲突，
// 返回诊断信息（指派指向未知策略时回落默认策略）。
func (r *Registry) ResolveStrategyConflicts(_ context.Context, accountID int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var diags []string
	if id, ok := r.overrides[accountID]; ok {
		if _, exists := r.strategies[id]; !exists {
			delete(r.overrides, accountID)
			diags = append(diags, fmt.Sprintf("removed stale override %q for account %d", id, accountID))
		}
	}
	if id, ok := r.assignments[accountID]; ok {
		if _, exists := r.strategies[id]; !exists {
			if r.defaultID != "" {
				r.overrides[accountID] = r.defaultID
				diags = append(diags, fmt.Sprintf("assignment %q unknown, account %d falls back to default %q", id, accountID, r.defaultID))
			} else {
				diags = append(diags, fmt.Sprintf("assignment %q unknown and no default strategy configured", id))
			}
		}
	}
	return diags, nil
}

// History 返回切换审计记录副本。
func (r *Registry) History() []SwitchRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SwitchRecord(nil), r.history...)
}

// DumpYAML 输出当前策略集快照（诊断接口用）。
func (r *Registry) DumpYAML() (string, error) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snapshot := struct {
		Default    string              `yaml:"default,omitempty"`
		Strategies []decision.Strategy `yaml:"strategies"`
		History    []SwitchRecord      `yaml:"switch_history,omitempty"`
	}{Default: r.defaultID, History: append([]SwitchRecord(nil), r.history...)}
	for _, id := range ids {
		snapshot.Strategies = append(snapshot.Strategies, r.strategies[id])
	}
	r.mu.RUnlock()
	out, err := yaml.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
