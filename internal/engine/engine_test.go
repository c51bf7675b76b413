package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"arbiter/internal/decision"
	"arbiter/internal/gateway/llm"
	"arbiter/internal/pkg/circuit"
	"arbiter/internal/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ------------------------------------------------------------ mocks

type MockContextBuilder struct {
	mock.Mock
}

func (m *MockContextBuilder) BuildTradingContext(ctx context.Context, symbols []string, accountID int64, timeframes []string, forceRefresh bool) (decision.Context, error) {
	args := m.Called(ctx, symbols, accountID, timeframes, forceRefresh)
	return args.Get(0).(decision.Context), args.Error(1)
}

func (m *MockContextBuilder) ClearCache(ctx context.Context, pattern string) error {
	args := m.Called(ctx, pattern)
	return args.Error(0)
}

type MockStrategyManager struct {
	mock.Mock
}

func (m *MockStrategyManager) GetStrategy(ctx context.Context, id string) (*decision.Strategy, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*decision.Strategy), args.Error(1)
}

func (m *MockStrategyManager) GetAccountStrategy(ctx context.Context, accountID int64) (*decision.Strategy, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*decision.Strategy), args.Error(1)
}

func (m *MockStrategyManager) SwitchAccountStrategy(ctx context.Context, accountID int64, strategyID, reason, by string) error {
	args := m.Called(ctx, accountID, strategyID, reason, by)
	return args.Error(0)
}

func (m *MockStrategyManager) ResolveStrategyConflicts(ctx context.Context, accountID int64) ([]string, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockGenerator struct {
	mock.Mock
	block chan struct{} // 非 nil 时 GenerateDecision 阻塞直到关闭
}

func (m *MockGenerator) GenerateDecision(ctx context.Context, req llm.GenerateRequest) (llm.Generated, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return llm.Generated{}, ctx.Err()
		}
	}
	args := m.Called(ctx, req)
	return args.Get(0).(llm.Generated), args.Error(1)
}

func (m *MockGenerator) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) SaveDecision(ctx context.Context, res decision.Result) error {
	args := m.Called(ctx, res)
	return args.Error(0)
}

func (m *MockRepository) ListDecisions(ctx context.Context, q decision.HistoryQuery) ([]decision.StoredDecision, int64, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]decision.StoredDecision), args.Get(1).(int64), args.Error(2)
}

// ------------------------------------------------------------ fixtures

func testStrategy() *decision.Strategy {
	return &decision.Strategy{
		ID:                 "balanced",
		Name:               "Balanced",
		MaxPositions:       3,
		MaxRiskPerTrade:    2.0,
		MaxDailyLoss:       5.0,
		DefaultStopLossPct: 3.0,
		Timeframes:         []string{"1h", "4h"},
	}
}

func testTradingContext() decision.Context {
	return decision.Context{
		Symbols:    []string{"BTCUSDT"},
		AccountID:  1,
		Timeframes: []string{"1h", "4h"},
		Market: map[string]decision.MarketSnapshot{
			"BTCUSDT": {Symbol: "BTCUSDT", CurrentPrice: 50000},
		},
		Account: decision.AccountState{
			AccountID:        1,
			Balance:          10000,
			AvailableBalance: 8000,
		},
		Timestamp: time.Now(),
	}
}

func generated(allocation float64) llm.Generated {
	return llm.Generated{
		Decision: decision.TradingDecision{
			Decisions: []decision.AssetDecision{{
				Asset:         "BTCUSDT",
				Action:        decision.ActionBuy,
				AllocationUSD: allocation,
				TakeProfit:    51000,
				StopLoss:      49000,
				Rationale:     "momentum",
				ExitPlan:      "bracket",
				Confidence:    80,
				RiskLevel:     decision.RiskMedium,
			}},
			TotalAllocationUSD: allocation,
			PortfolioRiskLevel: decision.RiskMedium,
			Timestamp:          time.Now(),
		},
		ModelUsed: "gpt-4o",
		APICost:   0.01,
	}
}

type engineFixture struct {
	engine  *Engine
	builder *MockContextBuilder
	strats  *MockStrategyManager
	gen     *MockGenerator
	repo    *MockRepository
}

func newFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	f := &engineFixture{
		builder: &MockContextBuilder{},
		strats:  &MockStrategyManager{},
		gen:     &MockGenerator{},
		repo:    &MockRepository{},
	}
	e, err := New(cfg, Deps{
		ContextBuilder: f.builder,
		Strategies:     f.strats,
		Generator:      f.gen,
		Repository:     f.repo,
		Validator:      validator.New(),
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

func (f *engineFixture) expectHappyPath(gen llm.Generated) {
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, []string{"BTCUSDT"}, int64(1), []string{"1h", "4h"}, false).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(gen, nil)
	f.repo.On("SaveDecision", mock.Anything, mock.Anything).Return(nil)
}

var testRequest = decision.Request{Symbols: []string{"BTCUSDT"}, AccountID: 1}

// ------------------------------------------------------------ tests

func TestMakeDecisionValidFlow(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHappyPath(generated(1000))

	res, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	assert.True(t, res.ValidationPassed)
	assert.Empty(t, res.ValidationErrors)
	assert.Equal(t, decision.ActionBuy, res.Decision.Decisions[0].Action)
	assert.Equal(t, "gpt-4o", res.ModelUsed)
	assert.NotEmpty(t, res.ID)
	f.repo.AssertCalled(t, "SaveDecision", mock.Anything, mock.Anything)
}

func TestMakeDecisionCacheHitSkipsGenerator(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHappyPath(generated(1000))

	first, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	second, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	f.gen.AssertNumberOfCalls(t, "GenerateDecision", 1)
}

func TestMakeDecisionForceRefreshBypassesCache(t *testing.T) {
	f := newFixture(t, Config{})
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, []string{"BTCUSDT"}, int64(1), []string{"1h", "4h"}, mock.Anything).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(generated(1000), nil)
	f.repo.On("SaveDecision", mock.Anything, mock.Anything).Return(nil)

	_, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	req := testRequest
	req.ForceRefresh = true
	_, err = f.engine.MakeDecision(context.Background(), req)
	require.NoError(t, err)

	f.gen.AssertNumberOfCalls(t, "GenerateDecision", 2)
}

func TestMakeDecisionInvalidDecisionFallsBack(t *testing.T) {
	f := newFixture(t, Config{})
	// 分配 9000 超出可用余额 8000 → 校验失败 → 保守 hold
	f.expectHappyPath(generated(9000))

	res, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	assert.True(t, res.ValidationPassed)
	assert.NotEmpty(t, res.ValidationErrors)
	require.Len(t, res.Decision.Decisions, 1)
	assert.Equal(t, decision.ActionHold, res.Decision.Decisions[0].Action)
	assert.Zero(t, res.Decision.Decisions[0].AllocationUSD)
	assert.Equal(t, 25, res.Decision.Decisions[0].Confidence)
}

func TestMakeDecisionRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitMax: 1, RateLimitWindow: time.Minute})
	f.expectHappyPath(generated(1000))

	_, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)

	_, err = f.engine.MakeDecision(context.Background(), testRequest)
	require.Error(t, err)
	assert.True(t, IsRateLimit(err))
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, int64(1), rle.AccountID)
	assert.Equal(t, 0, rle.Remaining)
	assert.False(t, rle.ResetAt.IsZero())
}

func TestMakeDecisionCapacityGate(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1})
	f.gen.block = make(chan struct{})
	f.expectHappyPath(generated(1000))

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := f.engine.MakeDecision(context.Background(), testRequest)
		done <- err
	}()
	<-started
	// 等第一个请求占住并发闸
	require.Eventually(t, func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		return len(f.engine.inflight) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := f.engine.MakeDecision(context.Background(), decision.Request{Symbols: []string{"ETHUSDT"}, AccountID: 2})
	assert.True(t, IsCapacity(err), "expected capacity error, got %v", err)

	close(f.gen.block)
	require.NoError(t, <-done)
}

func TestMakeDecisionRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.MakeDecision(context.Background(), decision.Request{Symbols: []string{"BTCUSDT"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.MakeDecision(context.Background(), decision.Request{AccountID: 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMakeDecisionDefaultSymbols(t *testing.T) {
	f := newFixture(t, Config{DefaultSymbols: []string{"BTCUSDT"}})
	f.expectHappyPath(generated(1000))

	res, err := f.engine.MakeDecision(context.Background(), decision.Request{AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, res.Context.Symbols)
}

func TestMakeDecisionGenerationErrorOpensBreaker(t *testing.T) {
	f := newFixture(t, Config{BreakerThreshold: 2, BreakerTimeout: time.Minute})
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(llm.Generated{}, llm.ErrAPI)

	for i := 0; i < 2; i++ {
		req := testRequest
		req.ForceRefresh = true
		_, err := f.engine.MakeDecision(context.Background(), req)
		var ge *GenerationError
		require.ErrorAs(t, err, &ge)
	}

	// 熔断打开后拒绝调用，不再触发下游
	req := testRequest
	req.ForceRefresh = true
	_, err := f.engine.MakeDecision(context.Background(), req)
	assert.ErrorIs(t, err, circuit.ErrOpen)
	f.gen.AssertNumberOfCalls(t, "GenerateDecision", 2)
}

func TestMakeDecisionPersistFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, Config{})
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(generated(1000), nil)
	f.repo.On("SaveDecision", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	res, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	assert.True(t, res.ValidationPassed)
}

func TestMakeDecisionStrategyConflictRetry(t *testing.T) {
	f := newFixture(t, Config{})
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).
		Return(nil, errors.New("assignment points at unknown strategy")).Once()
	f.strats.On("ResolveStrategyConflicts", mock.Anything, int64(1)).
		Return([]string{"assignment repaired"}, nil).Once()
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil).Once()
	f.builder.On("BuildTradingContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(generated(1000), nil)
	f.repo.On("SaveDecision", mock.Anything, mock.Anything).Return(nil)

	_, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	f.strats.AssertNumberOfCalls(t, "GetAccountStrategy", 2)
}

func TestMakeDecisionStrategyOverride(t *testing.T) {
	f := newFixture(t, Config{})
	f.strats.On("GetStrategy", mock.Anything, "aggressive").Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(generated(1000), nil)
	f.repo.On("SaveDecision", mock.Anything, mock.Anything).Return(nil)

	req := testRequest
	req.StrategyOverride = "aggressive"
	_, err := f.engine.MakeDecision(context.Background(), req)
	require.NoError(t, err)
	f.strats.AssertNotCalled(t, "GetAccountStrategy", mock.Anything, mock.Anything)
}

func TestBatchDecisionsReturnsSingleCombinedResult(t *testing.T) {
	f := newFixture(t, Config{})
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, []string{"BTCUSDT", "ETHUSDT"}, int64(1), mock.Anything, mock.Anything).
		Return(testTradingContext(), nil)
	f.gen.On("GenerateDecision", mock.Anything, mock.Anything).Return(generated(1000), nil)
	f.repo.On("SaveDecision", mock.Anything, mock.Anything).Return(nil)

	results, err := f.engine.BatchDecisions(context.Background(), decision.Request{
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
		AccountID: 1,
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	f.gen.AssertNumberOfCalls(t, "GenerateDecision", 1)
}

func TestSwitchStrategyInvalidatesAccountCaches(t *testing.T) {
	f := newFixture(t, Config{})
	f.expectHappyPath(generated(1000))
	f.strats.On("SwitchAccountStrategy", mock.Anything, int64(1), "aggressive", "drawdown", "ops").Return(nil)
	f.builder.On("ClearCache", mock.Anything, decision.AccountToken(1)).Return(nil)

	_, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)

	require.NoError(t, f.engine.SwitchStrategy(context.Background(), 1, "aggressive", "drawdown", "ops"))

	// 缓存已失效 → 再次请求触发第二次生成
	_, err = f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	f.gen.AssertNumberOfCalls(t, "GenerateDecision", 2)
	f.builder.AssertCalled(t, "ClearCache", mock.Anything, decision.AccountToken(1))
}

func TestGetDecisionHistoryFiltersAndPlaceholders(t *testing.T) {
	f := newFixture(t, Config{})
	stored := []decision.StoredDecision{
		{
			ID: "a", AccountID: 1, Symbols: []string{"BTCUSDT", "ETHUSDT"},
			Decision: decision.TradingDecision{
				Decisions: []decision.AssetDecision{
					{Asset: "BTCUSDT", Action: decision.ActionHold},
					{Asset: "ETHUSDT", Action: decision.ActionBuy, AllocationUSD: 500},
				},
				TotalAllocationUSD: 500,
			},
			CreatedAt: time.Now(),
		},
		{
			ID: "b", AccountID: 1, Symbols: []string{"SOLUSDT"},
			Legacy:    true,
			CreatedAt: time.Now(),
		},
	}
	f.repo.On("ListDecisions", mock.Anything, mock.Anything).Return(stored, int64(2), nil)

	results, total, err := f.engine.GetDecisionHistory(context.Background(), decision.HistoryQuery{
		AccountID: 1,
		Symbol:    "BTCUSDT",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	// 不含 BTCUSDT 的 legacy 记录被跳过
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	// 多币记录只保留匹配币种的单币决策，总额随之重算
	require.Len(t, results[0].Decision.Decisions, 1)
	assert.Equal(t, "BTCUSDT", results[0].Decision.Decisions[0].Asset)
	assert.Zero(t, results[0].Decision.TotalAllocationUSD)
	assert.Contains(t, results[0].Context.Errors, "Historical decision - full context not available")
}

func TestGetUsageMetricsAndReset(t *testing.T) {
	f := newFixture(t, Config{RateLimitMax: 1, RateLimitWindow: time.Minute})
	f.expectHappyPath(generated(1000))

	_, err := f.engine.MakeDecision(context.Background(), testRequest)
	require.NoError(t, err)
	_, _ = f.engine.MakeDecision(context.Background(), testRequest) // 限流

	um := f.engine.GetUsageMetrics(24)
	assert.Equal(t, 1, um.TotalDecisions)
	assert.Equal(t, int64(1), um.RateLimited)
	assert.InDelta(t, 0.01, um.TotalCostUSD, 1e-9)
	assert.Greater(t, um.AvgLatencyMs, 0.0)

	f.engine.ResetMetrics()
	um = f.engine.GetUsageMetrics(24)
	assert.Zero(t, um.TotalDecisions)
	assert.Zero(t, um.RateLimited)
}

func TestGetEngineHealth(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.On("HealthCheck", mock.Anything).Return(nil)

	h := f.engine.GetEngineHealth(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.GeneratorOK)
	assert.Equal(t, "CLOSED", h.CircuitState)
	assert.Equal(t, DefaultMaxConcurrent, h.MaxConcurrent)
}

func TestGetEngineHealthDegradedAtCapacity(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1})
	f.gen.On("HealthCheck", mock.Anything).Return(nil)

	f.engine.mu.Lock()
	f.engine.inflight["busy"] = &inflightEntry{start: time.Now(), cancel: func() {}}
	f.engine.mu.Unlock()

	h := f.engine.GetEngineHealth(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, 1, h.InFlight)
}

func TestGetEngineHealthDegradedOnCacheGrowth(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.On("HealthCheck", mock.Anything).Return(nil)

	for i := 0; i < healthCacheEntryLimit; i++ {
		f.engine.decisionCache.Put(fmt.Sprintf("k%d|acct:1|default", i), decision.Result{}, time.Hour)
	}

	h := f.engine.GetEngineHealth(context.Background())
	assert.Equal(t, "degraded", h.Status)
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.engine.Shutdown(context.Background()))

	_, err := f.engine.MakeDecision(context.Background(), testRequest)
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownCancelsInflightDecisions(t *testing.T) {
	f := newFixture(t, Config{})
	f.gen.block = make(chan struct{})
	f.strats.On("GetAccountStrategy", mock.Anything, int64(1)).Return(testStrategy(), nil)
	f.builder.On("BuildTradingContext", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(testTradingContext(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.MakeDecision(context.Background(), testRequest)
		done <- err
	}()
	require.Eventually(t, func() bool {
		f.engine.mu.Lock()
		defer f.engine.mu.Unlock()
		return len(f.engine.inflight) == 1
	}, time.Second, 5*time.Millisecond)

	// 先取消在途决策，再等待落地：两边都应很快返回
	start := time.Now()
	require.NoError(t, f.engine.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case err := <-done:
		var ge *GenerationError
		require.ErrorAs(t, err, &ge)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight decision was not cancelled by shutdown")
	}
}

func TestCacheTTLFollowsDecisionShape(t *testing.T) {
	hold := decision.TradingDecision{Decisions: []decision.AssetDecision{{Action: decision.ActionHold}}}
	assert.Equal(t, decision.HoldDecisionTTL, hold.CacheTTL())

	trade := decision.TradingDecision{Decisions: []decision.AssetDecision{
		{Action: decision.ActionHold}, {Action: decision.ActionBuy},
	}}
	assert.Equal(t, decision.TradeDecisionTTL, trade.CacheTTL())

	mixed := decision.TradingDecision{Decisions: []decision.AssetDecision{
		{Action: decision.ActionHold}, {Action: decision.ActionClosePosition},
	}}
	assert.Equal(t, decision.MixedDecisionTTL, mixed.CacheTTL())
}
