package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arbiter/internal/decision"
	"arbiter/internal/gateway/llm"
	"arbiter/internal/logger"
	"arbiter/internal/metrics"
	"arbiter/internal/pkg/circuit"
	"arbiter/internal/pkg/ratelimit"
	"arbiter/internal/pkg/ttlcache"
	"arbiter/internal/validator"

	"github.com/google/uuid"
)

// 中文说明：
// 决策引擎编排层：限流 → 缓存 → 并发闸 → 策略 → 上下文 → 熔断内生成 →
// 校验（失败替换为保守 fallback）→ 尽力持久化 → 回填缓存。
// 同键并发请求不做合并，各自走完整流程（语义保留）。

// 默认并发决策上限。
const DefaultMaxConcurrent = 10

// 停机时等待在途决策的宽限期。
const shutdownGrace = 5 * time.Second

var defaultTimeframes = []string{"1h", "4h"}

// Config 引擎编排参数。
type Config struct {
	DefaultSymbols   []string
	MaxConcurrent    int
	RateLimitMax     int
	RateLimitWindow  time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Deps 引擎协作方。
type Deps struct {
	ContextBuilder ContextBuilder
	Strategies     StrategyManager
	Generator      Generator
	Repository     DecisionRepository
	Validator      *validator.Validator
}

type inflightEntry struct {
	key    string
	start  time.Time
	cancel context.CancelFunc
}

type usageSample struct {
	at        time.Time
	latencyMs float64
	costUSD   float64
	outcome   string // valid | fallback | cache_hit | error
}

const (
	outcomeValid    = "valid"
	outcomeFallback = "fallback"
	outcomeCacheHit = "cache_hit"
	outcomeError    = "error"
)

// 用量样本最多回看 72 小时。
const usageRetention = 72 * time.Hour

// Engine 决策引擎。
type Engine struct {
	cfg       Config
	builder   ContextBuilder
	strats    StrategyManager
	generator Generator
	repo      DecisionRepository
	validator *validator.Validator

	limiter       *ratelimit.Limiter
	breaker       *circuit.Breaker
	decisionCache *ttlcache.Cache[decision.Result]
	contextCache  *ttlcache.Cache[decision.Context]

	mu           sync.Mutex
	inflight     map[string]*inflightEntry // uuid -> entry
	samples      []usageSample
	rateLimited  int64
	shuttingDown bool
	startedAt    time.Time

	wg  sync.WaitGroup
	now func() time.Time
}

// New 构造引擎。
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.ContextBuilder == nil || deps.Strategies == nil || deps.Generator == nil {
		return nil, fmt.Errorf("engine: context builder, strategy manager and generator are required")
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	e := &Engine{
		cfg:           cfg,
		builder:       deps.ContextBuilder,
		strats:        deps.Strategies,
		generator:     deps.Generator,
		repo:          deps.Repository,
		validator:     deps.Validator,
		limiter:       ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		decisionCache: ttlcache.New[decision.Result](),
		contextCache:  ttlcache.New[decision.Context](),
		inflight:      make(map[string]*inflightEntry),
		startedAt:     time.Now(),
		now:           time.Now,
	}
	e.breaker = circuit.New("llm", cfg.BreakerThreshold, cfg.BreakerTimeout, llm.IsAPIError)
	e.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("[engine] circuit %s: %s -> %s", name, from, to)
		metrics.SetCircuitState(int(to))
	})
	return e, nil
}

// MakeDecision 执行一次完整的决策编排。
func (e *Engine) MakeDecision(ctx context.Context, req decision.Request) (decision.Result, error) {
	start := e.now()
	var zero decision.Result

	if req.AccountID <= 0 {
		return zero, fmt.Errorf("%w: account_id must be positive", ErrInvalidRequest)
	}
	symbols := req.NormalizedSymbols()
	if len(symbols) == 0 {
		symbols = append([]string(nil), e.cfg.DefaultSymbols...)
	}
	if len(symbols) == 0 {
		return zero, fmt.Errorf("%w: no symbols requested and no defaults configured", ErrInvalidRequest)
	}

	// 限流：Allow 只判断，确认放行后立即 Record——缓存命中同样消耗配额。
	limitKey := decision.AccountToken(req.AccountID)
	if !e.limiter.Allow(limitKey) {
		e.mu.Lock()
		e.rateLimited++
		e.mu.Unlock()
		metrics.IncRateLimitRejection()
		resetAt, _ := e.limiter.ResetTime(limitKey)
		return zero, &RateLimitError{
			AccountID: req.AccountID,
			Remaining: e.limiter.RemainingRequests(limitKey),
			ResetAt:   resetAt,
		}
	}
	e.limiter.Record(limitKey)

	cacheKey := decision.CacheKey(symbols, req.AccountID, req.StrategyOverride)
	if !req.ForceRefresh {
		if cached, ok := e.decisionCache.Get(cacheKey); ok {
			elapsed := e.now().Sub(start)
			e.recordSample(usageSample{at: e.now(), latencyMs: msSince(elapsed), outcome: outcomeCacheHit})
			metrics.ObserveDecision(outcomeValid, true, elapsed)
			logger.Debugf("[engine] cache hit key=%s", cacheKey)
			return cached, nil
		}
	}

	ctx, release, err := e.acquireSlot(ctx, cacheKey)
	if err != nil {
		return zero, err
	}
	defer release()

	strat, err := e.resolveStrategy(ctx, req)
	if err != nil {
		return zero, err
	}
	timeframes := strategyTimeframes(strat)

	tradingCtx, err := e.buildContext(ctx, symbols, req, timeframes)
	if err != nil {
		e.recordSample(usageSample{at: e.now(), latencyMs: msSince(e.now().Sub(start)), outcome: outcomeError})
		return zero, err
	}
	if strat != nil {
		tradingCtx.Account.ActiveStrategy = strat
	}

	var gen llm.Generated
	genErr := e.breaker.Execute(ctx, func(c context.Context) error {
		var err error
		gen, err = e.generator.GenerateDecision(c, llm.GenerateRequest{
			Symbols:          symbols,
			Context:          tradingCtx,
			StrategyOverride: req.StrategyOverride,
			ABTestName:       req.ABTestName,
		})
		return err
	})
	metrics.SetCircuitState(int(e.breaker.State()))
	if genErr != nil {
		elapsed := e.now().Sub(start)
		e.recordSample(usageSample{at: e.now(), latencyMs: msSince(elapsed), outcome: outcomeError})
		metrics.ObserveDecision(outcomeError, false, elapsed)
		return zero, &GenerationError{Err: genErr}
	}

	finalDecision := gen.Decision
	vr := e.validator.Validate(gen.Decision, tradingCtx)
	outcome := outcomeValid
	var validationErrors []decision.ValidationIssue
	if !vr.IsValid {
		outcome = outcomeFallback
		validationErrors = vr.Errors
		for _, issue := range vr.Errors {
			metrics.IncValidationFailure(issue.Rule)
		}
		finalDecision = e.validator.Fallback(gen.Decision, tradingCtx, vr.Errors)
		logger.Warnf("[engine] validation failed account=%d symbols=%s errors=%d, substituting conservative hold",
			req.AccountID, strings.Join(symbols, ","), len(vr.Errors))
	}

	elapsed := e.now().Sub(start)
	res := decision.Result{
		ID:               uuid.NewString(),
		Decision:         finalDecision,
		Context:          tradingCtx,
		ValidationPassed: true, // 最终返回的决策总是通过校验（必要时已替换为 fallback）
		ValidationErrors: validationErrors,
		ProcessingTimeMs: msSince(elapsed),
		ModelUsed:        gen.ModelUsed,
		APICost:          gen.APICost,
		CreatedAt:        e.now(),
	}

	e.persistBestEffort(ctx, res)
	e.decisionCache.Put(cacheKey, res, finalDecision.CacheTTL())

	e.recordSample(usageSample{at: e.now(), latencyMs: res.ProcessingTimeMs, costUSD: gen.APICost, outcome: outcome})
	metrics.ObserveDecision(outcome, false, elapsed)
	metrics.AddLLMCost(gen.APICost)
	logger.Infof("[engine] decision account=%d symbols=%s outcome=%s model=%s cost=%.4f elapsed=%.0fms",
		req.AccountID, strings.Join(symbols, ","), outcome, gen.ModelUsed, gen.APICost, res.ProcessingTimeMs)
	return res, nil
}

// BatchDecisions 批量接口：多币种合并为一次组合决策调用。
func (e *Engine) BatchDecisions(ctx context.Context, req decision.Request) ([]decision.Result, error) {
	res, err := e.MakeDecision(ctx, req)
	if err != nil {
		return nil, err
	}
	return []decision.Result{res}, nil
}

// GetDecisionHistory 回读历史决策。上下文不落库，回读记录挂占位上下文。
func (e *Engine) GetDecisionHistory(ctx context.Context, q decision.HistoryQuery) ([]decision.Result, int64, error) {
	if e.repo == nil {
		return nil, 0, fmt.Errorf("decision repository not configured")
	}
	stored, total, err := e.repo.ListDecisions(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	symFilter := strings.ToUpper(strings.TrimSpace(q.Symbol))
	out := make([]decision.Result, 0, len(stored))
	for _, sd := range stored {
		if symFilter != "" && !containsSymbol(sd.Symbols, symFilter) {
			continue
		}
		d := sd.Decision
		if symFilter != "" {
			d = projectAssetDecisions(d, symFilter)
		}
		out = append(out, decision.Result{
			ID:               sd.ID,
			Decision:         d,
			Context:          decision.PlaceholderContext(sd.AccountID, sd.Symbols, nil),
			ValidationPassed: sd.ValidationPassed,
			ValidationErrors: sd.ValidationErrors,
			ProcessingTimeMs: sd.ProcessingTimeMs,
			ModelUsed:        sd.ModelUsed,
			APICost:          sd.APICost,
			CreatedAt:        sd.CreatedAt,
		})
	}
	return out, total, nil
}

// SwitchStrategy 切换账户策略并级联失效两级缓存与 Context Builder 缓存。
func (e *Engine) SwitchStrategy(ctx context.Context, accountID int64, strategyID, reason, by string) error {
	if err := e.strats.SwitchAccountStrategy(ctx, accountID, strategyID, reason, by); err != nil {
		return err
	}
	token := decision.AccountToken(accountID)
	removedDecisions := e.decisionCache.InvalidateByPattern(token)
	removedContexts := e.contextCache.InvalidateByPattern(token)
	if err := e.builder.ClearCache(ctx, token); err != nil {
		logger.Warnf("[engine] context builder cache clear failed account=%d: %v", accountID, err)
	}
	logger.Infof("[engine] strategy switch account=%d -> %s invalidated decisions=%d contexts=%d",
		accountID, strategyID, removedDecisions, removedContexts)
	return nil
}

// InvalidateCaches 按账户/币种 token 失效两级缓存，返回删除条目数。
// 两个参数都为空时整体清空。
func (e *Engine) InvalidateCaches(ctx context.Context, accountID int64, symbol string) int {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if accountID <= 0 && symbol == "" {
		n := e.decisionCache.Len() + e.contextCache.Len()
		e.decisionCache.Clear()
		e.contextCache.Clear()
		return n
	}
	removed := 0
	patterns := make([]string, 0, 2)
	if accountID > 0 {
		patterns = append(patterns, decision.AccountToken(accountID))
	}
	if symbol != "" {
		patterns = append(patterns, symbol)
	}
	for _, p := range patterns {
		removed += e.decisionCache.InvalidateByPattern(p)
		removed += e.contextCache.InvalidateByPattern(p)
		if err := e.builder.ClearCache(ctx, p); err != nil {
			logger.Warnf("[engine] context builder cache clear failed pattern=%s: %v", p, err)
		}
	}
	return removed
}

// ------------------------------------------------------------ 内部步骤

// acquireSlot 并发闸：在途决策达到上限时返回 CapacityError。
// 返回的 context 在停机宽限耗尽时被取消。
func (e *Engine) acquireSlot(ctx context.Context, key string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown {
		return nil, nil, ErrShuttingDown
	}
	if len(e.inflight) >= e.cfg.MaxConcurrent {
		return nil, nil, &CapacityError{InFlight: len(e.inflight), Limit: e.cfg.MaxConcurrent}
	}
	id := uuid.NewString()
	workCtx, cancel := context.WithCancel(ctx)
	e.inflight[id] = &inflightEntry{key: key, start: e.now(), cancel: cancel}
	e.wg.Add(1)
	metrics.SetInFlight(len(e.inflight))
	release := func() {
		e.mu.Lock()
		if entry, ok := e.inflight[id]; ok {
			entry.cancel()
			delete(e.inflight, id)
		}
		metrics.SetInFlight(len(e.inflight))
		e.mu.Unlock()
		e.wg.Done()
	}
	return workCtx, release, nil
}

// resolveStrategy 确定本次请求生效的策略。
// 账户指派解析失败时先做一次冲突修复再重试。
func (e *Engine) resolveStrategy(ctx context.Context, req decision.Request) (*decision.Strategy, error) {
	if req.StrategyOverride != "" {
		strat, err := e.strats.GetStrategy(ctx, req.StrategyOverride)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return strat, nil
	}
	strat, err := e.strats.GetAccountStrategy(ctx, req.AccountID)
	if err == nil {
		return strat, nil
	}
	diags, rerr := e.strats.ResolveStrategyConflicts(ctx, req.AccountID)
	if rerr != nil {
		return nil, fmt.Errorf("resolve strategy for account %d: %w", req.AccountID, err)
	}
	for _, d := range diags {
		logger.Warnf("[engine] strategy conflict account=%d: %s", req.AccountID, d)
	}
	strat, err = e.strats.GetAccountStrategy(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve strategy for account %d: %w", req.AccountID, err)
	}
	return strat, nil
}

// buildContext 上下文缓存（固定 120s TTL），forceRefresh 时跳过读取但仍回填。
func (e *Engine) buildContext(ctx context.Context, symbols []string, req decision.Request, timeframes []string) (decision.Context, error) {
	key := decision.ContextKey(symbols, req.AccountID)
	if !req.ForceRefresh {
		if cached, ok := e.contextCache.Get(key); ok {
			return cached, nil
		}
	}
	tc, err := e.builder.BuildTradingContext(ctx, symbols, req.AccountID, timeframes, req.ForceRefresh)
	if err != nil {
		return decision.Context{}, fmt.Errorf("build trading context: %w", err)
	}
	e.contextCache.Put(key, tc, decision.ContextTTL)
	return tc, nil
}

func (e *Engine) persistBestEffort(ctx context.Context, res decision.Result) {
	if e.repo == nil {
		return
	}
	// 持久化不阻断响应，也不随请求取消。
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := e.repo.SaveDecision(saveCtx, res); err != nil {
		metrics.IncPersistFailure()
		logger.Errorf("[engine] persist decision %s failed: %v", res.ID, err)
	}
}

func (e *Engine) recordSample(s usageSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := e.now().Add(-usageRetention)
	idx := 0
	for idx < len(e.samples) && e.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		e.samples = append(e.samples[:0], e.samples[idx:]...)
	}
	e.samples = append(e.samples, s)
}

// ------------------------------------------------------------ 运维面

// CacheStats 两级缓存计数。
type CacheStats struct {
	Decisions ttlcache.Stats `json:"decisions"`
	Contexts  ttlcache.Stats `json:"contexts"`
}

// GetCacheStats 缓存计数快照。
func (e *Engine) GetCacheStats() CacheStats {
	return CacheStats{Decisions: e.decisionCache.Stats(), Contexts: e.contextCache.Stats()}
}

// UsageMetrics 时间窗内的用量汇总。
type UsageMetrics struct {
	WindowHours    int     `json:"window_hours"`
	TotalDecisions int     `json:"total_decisions"`
	CacheHits      int     `json:"cache_hits"`
	Fallbacks      int     `json:"fallbacks"`
	Errors         int     `json:"errors"`
	RateLimited    int64   `json:"rate_limited"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
}

// GetUsageMetrics 汇总最近 hours 小时的用量（上限 72h）。
func (e *Engine) GetUsageMetrics(hours int) UsageMetrics {
	if hours <= 0 || time.Duration(hours)*time.Hour > usageRetention {
		hours = int(usageRetention / time.Hour)
	}
	cutoff := e.now().Add(-time.Duration(hours) * time.Hour)

	e.mu.Lock()
	defer e.mu.Unlock()
	um := UsageMetrics{WindowHours: hours, RateLimited: e.rateLimited}
	var latencySum float64
	for _, s := range e.samples {
		if s.at.Before(cutoff) {
			continue
		}
		um.TotalDecisions++
		latencySum += s.latencyMs
		um.TotalCostUSD += s.costUSD
		switch s.outcome {
		case outcomeCacheHit:
			um.CacheHits++
		case outcomeFallback:
			um.Fallbacks++
		case outcomeError:
			um.Errors++
		}
	}
	if um.TotalDecisions > 0 {
		um.AvgLatencyMs = latencySum / float64(um.TotalDecisions)
	}
	return um
}

// ResetMetrics 清空用量样本与限流计数。
func (e *Engine) ResetMetrics() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = nil
	e.rateLimited = 0
}

// 两级缓存合计条目数的健康上限，超过即视为缓存失控。
const healthCacheEntryLimit = 10000

// Health 引擎健康快照。
type Health struct {
	Status          string         `json:"status"` // ok | degraded
	CircuitState    string         `json:"circuit_state"`
	CircuitFailures int            `json:"circuit_failures"`
	InFlight        int            `json:"in_flight"`
	MaxConcurrent   int            `json:"max_concurrent"`
	GeneratorOK     bool           `json:"generator_ok"`
	GeneratorError  string         `json:"generator_error,omitempty"`
	Caches          CacheStats     `json:"caches"`
	Validator       map[string]any `json:"validator"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
}

// GetEngineHealth 探测下游并汇总引擎状态。
// 健康 = 生成器可用 且 熔断闭合 且 在途决策未到并发上限 且 缓存规模在界内。
func (e *Engine) GetEngineHealth(ctx context.Context) Health {
	state, failures, _ := e.breaker.Snapshot()
	e.mu.Lock()
	inflight := len(e.inflight)
	e.mu.Unlock()

	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	genErr := e.generator.HealthCheck(probe)

	validations, vfailures := e.validator.Counters()
	caches := e.GetCacheStats()
	h := Health{
		Status:          "ok",
		CircuitState:    state.String(),
		CircuitFailures: failures,
		InFlight:        inflight,
		MaxConcurrent:   e.cfg.MaxConcurrent,
		GeneratorOK:     genErr == nil,
		Caches:          caches,
		Validator: map[string]any{
			"validations": validations,
			"failures":    vfailures,
		},
		UptimeSeconds: time.Since(e.startedAt).Seconds(),
	}
	if genErr != nil {
		h.GeneratorError = genErr.Error()
	}
	cacheEntries := caches.Decisions.Entries + caches.Contexts.Entries
	if genErr != nil || state != circuit.StateClosed ||
		inflight >= e.cfg.MaxConcurrent || cacheEntries >= healthCacheEntryLimit {
		h.Status = "degraded"
	}
	return h
}

// Sweep 主动清扫两级缓存的过期条目并刷新条目数指标。
func (e *Engine) Sweep() (int, int) {
	d := e.decisionCache.Cleanup()
	c := e.contextCache.Cleanup()
	metrics.SetCacheEntries("decisions", e.decisionCache.Len())
	metrics.SetCacheEntries("contexts", e.contextCache.Len())
	return d, c
}

// RunSweeper 周期清扫缓存，ctx 取消即退出。
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d, c := e.Sweep()
			if d+c > 0 {
				logger.Debugf("[engine] cache sweep removed decisions=%d contexts=%d", d, c)
			}
		}
	}
}

// Shutdown 停止受理新请求，立即取消全部在途决策，
// 宽限期内等待取消落地后清空缓存。
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.shuttingDown = true
	pending := len(e.inflight)
	for _, entry := range e.inflight {
		entry.cancel()
	}
	e.mu.Unlock()
	logger.Infof("[engine] shutting down, cancelled %d in-flight decisions", pending)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(shutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-grace.C:
		logger.Warnf("[engine] shutdown grace expired with decisions still in flight")
	}

	e.decisionCache.Clear()
	e.contextCache.Clear()
	return nil
}

func strategyTimeframes(s *decision.Strategy) []string {
	if s == nil || len(s.Timeframes) == 0 {
		return defaultTimeframes
	}
	if len(s.Timeframes) >= 2 {
		return s.Timeframes[:2]
	}
	return []string{s.Timeframes[0], defaultTimeframes[1]}
}

// projectAssetDecisions 按币种过滤历史记录里的单币决策条目，
// 组合级总额随保留条目重算。
func projectAssetDecisions(d decision.TradingDecision, symbol string) decision.TradingDecision {
	kept := make([]decision.AssetDecision, 0, 1)
	var total float64
	for _, ad := range d.Decisions {
		if strings.EqualFold(ad.Asset, symbol) {
			kept = append(kept, ad)
			total += ad.AllocationUSD
		}
	}
	d.Decisions = kept
	d.TotalAllocationUSD = total
	return d
}

func containsSymbol(symbols []string, target string) bool {
	for _, s := range symbols {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func msSince(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// IsRateLimit 判断错误是否限流拒绝。
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsCapacity 判断错误是否并发容量拒绝。
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}
