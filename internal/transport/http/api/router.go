package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arbiter/internal/decision"
	"arbiter/internal/engine"
	"arbiter/internal/gateway/contextbuilder"
	"arbiter/internal/gateway/llm"
	"arbiter/internal/gateway/strategy"
	"arbiter/internal/logger"
	"arbiter/internal/pkg/circuit"
	"arbiter/internal/validator"

	"github.com/gin-gonic/gin"
)

// 批量接口的币种上限。
const maxBatchSymbols = 20

// DecisionService 路由对引擎的依赖。
type DecisionService interface {
	MakeDecision(ctx context.Context, req decision.Request) (decision.Result, error)
	BatchDecisions(ctx context.Context, req decision.Request) ([]decision.Result, error)
	GetDecisionHistory(ctx context.Context, q decision.HistoryQuery) ([]decision.Result, int64, error)
	SwitchStrategy(ctx context.Context, accountID int64, strategyID, reason, by string) error
	InvalidateCaches(ctx context.Context, accountID int64, symbol string) int
	GetCacheStats() engine.CacheStats
	GetUsageMetrics(hours int) engine.UsageMetrics
	ResetMetrics()
	GetEngineHealth(ctx context.Context) engine.Health
}

// Router 决策接口路由。
type Router struct {
	engine    DecisionService
	validator *validator.Validator
	hub       *streamHub
}

// NewRouter 构造决策路由。
func NewRouter(svc DecisionService, v *validator.Validator) *Router {
	return &Router{engine: svc, validator: v, hub: newStreamHub()}
}

// Register 将决策接口挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/generate", r.handleGenerate)
	group.POST("/batch", r.handleBatch)
	group.GET("/history/:accountID", r.handleHistory)
	group.POST("/validate", r.handleValidate)
	group.POST("/strategies/:accountID/switch", r.handleStrategySwitch)
	group.GET("/health", r.handleHealth)
	group.GET("/metrics", r.handleUsageMetrics)
	group.POST("/metrics/reset", r.handleMetricsReset)
	group.GET("/cache/stats", r.handleCacheStats)
	group.POST("/cache/clear", r.handleCacheClear)
	group.GET("/stream/:accountID", r.handleStream)
}

func (r *Router) handleGenerate(c *gin.Context) {
	var req decision.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Errorf("[api] generate bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := r.engine.MakeDecision(c.Request.Context(), req)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	r.hub.broadcast(req.AccountID, res)
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleBatch(c *gin.Context) {
	var req decision.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.NormalizedSymbols()) > maxBatchSymbols {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "too many symbols in batch request, maximum is " + strconv.Itoa(maxBatchSymbols),
		})
		return
	}
	results, err := r.engine.BatchDecisions(c.Request.Context(), req)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	for _, res := range results {
		r.hub.broadcast(req.AccountID, res)
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func (r *Router) handleHistory(c *gin.Context) {
	accountID, _ := strconv.ParseInt(c.Param("accountID"), 10, 64)
	if accountID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	if page > 0 {
		offset = (page - 1) * limit
	} else {
		page = offset/limit + 1
	}
	q := decision.HistoryQuery{
		AccountID: accountID,
		Symbol:    c.Query("symbol"),
		Limit:     limit,
		Offset:    offset,
	}
	if start := dateQuery(c, "start_date", "start"); start != "" {
		if ts, err := time.Parse(time.RFC3339, start); err == nil {
			q.Start = ts
		}
	}
	if end := dateQuery(c, "end_date", "end"); end != "" {
		if ts, err := time.Parse(time.RFC3339, end); err == nil {
			q.End = ts
		}
	}
	results, total, err := r.engine.GetDecisionHistory(c.Request.Context(), q)
	if err != nil {
		logger.Errorf("[api] history failed account=%d err=%v", accountID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"decisions":   results,
		"total_count": total,
		"page":        page,
		"page_size":   limit,
	})
}

// dateQuery 取第一个非空的日期参数（start_date 为准，start 为兼容别名）。
func dateQuery(c *gin.Context, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(c.Query(name)); v != "" {
			return v
		}
	}
	return ""
}

// handleValidate 独立校验接口：对给定决策跑完整校验管线。
// 未附带上下文时用合成上下文（只能覆盖结构与比例类规则）。
func (r *Router) handleValidate(c *gin.Context) {
	var body struct {
		Decision decision.TradingDecision `json:"decision"`
		Context  *decision.Context        `json:"context,omitempty"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tradingCtx := validator.SyntheticContext(body.Decision)
	if body.Context != nil {
		tradingCtx = *body.Context
	}
	result := r.validator.Validate(body.Decision, tradingCtx)
	c.JSON(http.StatusOK, result)
}

func (r *Router) handleStrategySwitch(c *gin.Context) {
	accountID, _ := strconv.ParseInt(c.Param("accountID"), 10, 64)
	if accountID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	var req struct {
		StrategyID string `json:"strategy_id"`
		Reason     string `json:"reason"`
		SwitchedBy string `json:"switched_by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.StrategyID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "strategy_id 不能为空"})
		return
	}
	if err := r.engine.SwitchStrategy(c.Request.Context(), accountID, req.StrategyID, req.Reason, req.SwitchedBy); err != nil {
		if errors.Is(err, strategy.ErrStrategyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		logger.Errorf("[api] strategy switch failed account=%d strategy=%s err=%v", accountID, req.StrategyID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "account_id": accountID, "strategy_id": req.StrategyID})
}

func (r *Router) handleHealth(c *gin.Context) {
	h := r.engine.GetEngineHealth(c.Request.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (r *Router) handleUsageMetrics(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("timeframe_hours", "24"))
	c.JSON(http.StatusOK, r.engine.GetUsageMetrics(hours))
}

func (r *Router) handleMetricsReset(c *gin.Context) {
	r.engine.ResetMetrics()
	logger.Infof("[api] usage metrics reset ip=%s", c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, r.engine.GetCacheStats())
}

// handleCacheClear 异步失效缓存，立刻应答 202。
func (r *Router) handleCacheClear(c *gin.Context) {
	accountID, _ := strconv.ParseInt(c.DefaultQuery("account_id", "0"), 10, 64)
	symbol := c.Query("symbol")
	go func() {
		clearCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		removed := r.engine.InvalidateCaches(clearCtx, accountID, symbol)
		logger.Infof("[api] cache clear account=%d symbol=%s removed=%d", accountID, symbol, removed)
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "account_id": accountID, "symbol": symbol})
}

// writeEngineError 引擎错误到 HTTP 状态码的统一映射。
func writeEngineError(c *gin.Context, err error) {
	var rle *engine.RateLimitError
	if errors.As(err, &rle) {
		retryAfter := int(time.Until(rle.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":    err.Error(),
			"reset_at": rle.ResetAt.Format(time.RFC3339),
		})
		return
	}
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case engine.IsCapacity(err), errors.Is(err, engine.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, contextbuilder.ErrInsufficientData), errors.Is(err, llm.ErrInsufficientData):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, contextbuilder.ErrStaleData):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case isGenerationFailure(err):
		// 生成失败（含熔断拒绝、输出不可解析）统一 400
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Errorf("[api] decision failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func isGenerationFailure(err error) bool {
	var ge *engine.GenerationError
	return errors.As(err, &ge) || errors.Is(err, circuit.ErrOpen)
}
