package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arbiter/internal/decision"
	"arbiter/internal/engine"
	"arbiter/internal/gateway/llm"
	"arbiter/internal/pkg/circuit"
	"arbiter/internal/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type MockDecisionService struct {
	mock.Mock
}

func (m *MockDecisionService) MakeDecision(ctx context.Context, req decision.Request) (decision.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(decision.Result), args.Error(1)
}

func (m *MockDecisionService) BatchDecisions(ctx context.Context, req decision.Request) ([]decision.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]decision.Result), args.Error(1)
}

func (m *MockDecisionService) GetDecisionHistory(ctx context.Context, q decision.HistoryQuery) ([]decision.Result, int64, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]decision.Result), args.Get(1).(int64), args.Error(2)
}

func (m *MockDecisionService) SwitchStrategy(ctx context.Context, accountID int64, strategyID, reason, by string) error {
	args := m.Called(ctx, accountID, strategyID, reason, by)
	return args.Error(0)
}

func (m *MockDecisionService) InvalidateCaches(ctx context.Context, accountID int64, symbol string) int {
	args := m.Called(ctx, accountID, symbol)
	return args.Int(0)
}

func (m *MockDecisionService) GetCacheStats() engine.CacheStats {
	args := m.Called()
	return args.Get(0).(engine.CacheStats)
}

func (m *MockDecisionService) GetUsageMetrics(hours int) engine.UsageMetrics {
	args := m.Called(hours)
	return args.Get(0).(engine.UsageMetrics)
}

func (m *MockDecisionService) ResetMetrics() {
	m.Called()
}

func (m *MockDecisionService) GetEngineHealth(ctx context.Context) engine.Health {
	args := m.Called(ctx)
	return args.Get(0).(engine.Health)
}

func newTestServer(t *testing.T) (*MockDecisionService, http.Handler) {
	t.Helper()
	svc := &MockDecisionService{}
	srv, err := NewServer(ServerConfig{Engine: svc, Validator: validator.New()})
	require.NoError(t, err)
	return svc, srv.Handler()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func sampleDecisionResult() decision.Result {
	return decision.Result{
		ID: "dec-1",
		Decision: decision.TradingDecision{
			Decisions: []decision.AssetDecision{{
				Asset: "BTCUSDT", Action: decision.ActionHold, Confidence: 40,
			}},
			Timestamp: time.Now(),
		},
		ValidationPassed: true,
		ModelUsed:        "gpt-4o",
		CreatedAt:        time.Now(),
	}
}

func TestGenerateOK(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("MakeDecision", mock.Anything, mock.Anything).Return(sampleDecisionResult(), nil)

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/generate",
		decision.Request{Symbols: []string{"BTCUSDT"}, AccountID: 1})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dec-1", gjson.Get(w.Body.String(), "id").String())
}

func TestGenerateBadJSON(t *testing.T) {
	_, h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/decisions/generate", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateRateLimited(t *testing.T) {
	svc, h := newTestServer(t)
	resetAt := time.Now().Add(30 * time.Second)
	svc.On("MakeDecision", mock.Anything, mock.Anything).
		Return(decision.Result{}, &engine.RateLimitError{AccountID: 1, Remaining: 0, ResetAt: resetAt})

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/generate",
		decision.Request{Symbols: []string{"BTCUSDT"}, AccountID: 1})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, resetAt.Format(time.RFC3339), gjson.Get(w.Body.String(), "reset_at").String())
}

func TestGenerateInvalidRequest(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("MakeDecision", mock.Anything, mock.Anything).
		Return(decision.Result{}, engine.ErrInvalidRequest)

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/generate", decision.Request{AccountID: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGenerateCapacityRejected(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("MakeDecision", mock.Anything, mock.Anything).
		Return(decision.Result{}, &engine.CapacityError{InFlight: 10, Limit: 10})

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/generate",
		decision.Request{Symbols: []string{"BTCUSDT"}, AccountID: 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGenerateGenerationFailuresMapTo400(t *testing.T) {
	// 生成失败族（接口故障、输出不可解析、熔断拒绝）统一 400
	failures := []error{
		&engine.GenerationError{Err: llm.ErrAPI},
		&engine.GenerationError{Err: llm.ErrMalformed},
		&engine.GenerationError{Err: fmt.Errorf("llm: %w", circuit.ErrOpen)},
	}
	for _, genErr := range failures {
		svc, h := newTestServer(t)
		svc.On("MakeDecision", mock.Anything, mock.Anything).Return(decision.Result{}, genErr)

		w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/generate",
			decision.Request{Symbols: []string{"BTCUSDT"}, AccountID: 1})
		assert.Equal(t, http.StatusBadRequest, w.Code, "error: %v", genErr)
	}
}

func TestGenerateInsufficientDataMapsTo422(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("MakeDecision", mock.Anything, mock.Anything).
		Return(decision.Result{}, &engine.GenerationError{Err: llm.ErrInsufficientData})

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/generate",
		decision.Request{Symbols: []string{"BTCUSDT"}, AccountID: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestBatchTooManySymbols(t *testing.T) {
	_, h := newTestServer(t)
	symbols := make([]string, maxBatchSymbols+1)
	for i := range symbols {
		symbols[i] = "SYM" + string(rune('A'+i%26)) + string(rune('A'+i/26)) + "USDT"
	}
	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/batch",
		decision.Request{Symbols: symbols, AccountID: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "too many symbols")
}

func TestBatchOK(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("BatchDecisions", mock.Anything, mock.Anything).
		Return([]decision.Result{sampleDecisionResult()}, nil)

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/batch",
		decision.Request{Symbols: []string{"BTCUSDT", "ETHUSDT"}, AccountID: 1})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "count").Int())
}

func TestHistoryQueryParams(t *testing.T) {
	svc, h := newTestServer(t)
	var captured decision.HistoryQuery
	svc.On("GetDecisionHistory", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(decision.HistoryQuery) }).
		Return([]decision.Result{sampleDecisionResult()}, int64(7), nil)

	w := doJSON(t, h, http.MethodGet,
		"/api/v1/decisions/history/1?limit=10&page=3&symbol=BTCUSDT&start_date=2025-06-01T00:00:00Z&end_date=2025-06-02T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, int64(1), captured.AccountID)
	assert.Equal(t, 10, captured.Limit)
	assert.Equal(t, 20, captured.Offset) // page 3, size 10
	assert.Equal(t, "BTCUSDT", captured.Symbol)
	assert.Equal(t, 2025, captured.Start.Year())
	assert.Equal(t, 2, captured.End.Day())

	body := w.Body.String()
	assert.Equal(t, int64(7), gjson.Get(body, "total_count").Int())
	assert.Equal(t, int64(3), gjson.Get(body, "page").Int())
	assert.Equal(t, int64(10), gjson.Get(body, "page_size").Int())
}

func TestHistoryLegacyDateParamAlias(t *testing.T) {
	svc, h := newTestServer(t)
	var captured decision.HistoryQuery
	svc.On("GetDecisionHistory", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(decision.HistoryQuery) }).
		Return(nil, int64(0), nil)

	w := doJSON(t, h, http.MethodGet, "/api/v1/decisions/history/1?start=2025-06-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2025, captured.Start.Year())
}

func TestHistoryInvalidAccount(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/api/v1/decisions/history/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateWithSyntheticContext(t *testing.T) {
	_, h := newTestServer(t)
	body := map[string]any{
		"decision": decision.TradingDecision{
			Decisions: []decision.AssetDecision{{
				Asset:         "BTCUSDT",
				Action:        decision.ActionBuy,
				AllocationUSD: 1000,
				TakeProfit:    51000,
				StopLoss:      49000,
				Rationale:     "r",
				ExitPlan:      "e",
				Confidence:    70,
				RiskLevel:     decision.RiskMedium,
			}},
			TotalAllocationUSD: 1000,
			Timestamp:          time.Now(),
		},
	}
	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/validate", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "is_valid").Bool(), "body: %s", w.Body.String())
}

func TestValidateReportsErrors(t *testing.T) {
	_, h := newTestServer(t)
	body := map[string]any{
		"decision": decision.TradingDecision{
			Decisions: []decision.AssetDecision{{
				Asset: "BTCUSDT", Action: decision.Action("moon"), Confidence: 70,
			}},
			Timestamp: time.Now(),
		},
	}
	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/validate", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "is_valid").Bool())
	assert.Greater(t, gjson.Get(w.Body.String(), "errors.#").Int(), int64(0))
}

func TestStrategySwitch(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("SwitchStrategy", mock.Anything, int64(1), "aggressive", "drawdown", "ops").Return(nil)

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/strategies/1/switch",
		map[string]string{"strategy_id": "aggressive", "reason": "drawdown", "switched_by": "ops"})
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestStrategySwitchMissingID(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/strategies/1/switch", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthDegraded(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("GetEngineHealth", mock.Anything).Return(engine.Health{Status: "degraded", CircuitState: "OPEN"})

	w := doJSON(t, h, http.MethodGet, "/api/v1/decisions/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "OPEN", gjson.Get(w.Body.String(), "circuit_state").String())
}

func TestUsageMetricsDefaultWindow(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("GetUsageMetrics", 24).Return(engine.UsageMetrics{WindowHours: 24, TotalDecisions: 3})

	w := doJSON(t, h, http.MethodGet, "/api/v1/decisions/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(3), gjson.Get(w.Body.String(), "total_decisions").Int())
}

func TestMetricsReset(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("ResetMetrics").Return()

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/metrics/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertCalled(t, "ResetMetrics")
}

func TestCacheStats(t *testing.T) {
	svc, h := newTestServer(t)
	svc.On("GetCacheStats").Return(engine.CacheStats{})

	w := doJSON(t, h, http.MethodGet, "/api/v1/decisions/cache/stats", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCacheClearIsAsync(t *testing.T) {
	svc, h := newTestServer(t)
	cleared := make(chan struct{})
	svc.On("InvalidateCaches", mock.Anything, int64(5), "BTCUSDT").
		Run(func(mock.Arguments) { close(cleared) }).Return(2)

	w := doJSON(t, h, http.MethodPost, "/api/v1/decisions/cache/clear?account_id=5&symbol=BTCUSDT", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, int64(5), gjson.Get(w.Body.String(), "account_id").Int())

	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("cache clear was never executed")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpointExposed(t *testing.T) {
	_, h := newTestServer(t)
	w := doJSON(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "arbiter_llm_circuit_state")
	// 状态编码与 circuit.State 保持一致
	assert.Contains(t, w.Body.String(), "0=closed, 1=open, 2=half-open")
}
