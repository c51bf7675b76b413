package contextbuilder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"arbiter/internal/decision"
)

// 中文说明：
// Context Builder 为外部协作方（行情/账户/指标聚合服务），这里只是 JSON 客户端。
// 422 → 数据不足，409 → 数据过期；两类错误都不可原样重试。

var (
	// ErrInsufficientData 上游数据不足，换数据前重试无意义。
	ErrInsufficientData = errors.New("context builder: insufficient data")
	// ErrStaleData 上游数据过期。
	ErrStaleData = errors.New("context builder: stale data")
)

// Client Context Builder 的 HTTP 客户端。
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient 构造客户端。
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type buildRequest struct {
	Symbols      []string `json:"symbols"`
	AccountID    int64    `json:"account_id"`
	Timeframes   []string `json:"timeframes"`
	ForceRefresh bool     `json:"force_refresh,omitempty"`
}

// BuildTradingContext 组装交易上下文。
func (c *Client) BuildTradingContext(ctx context.Context, symbols []string, accountID int64, timeframes []string, forceRefresh bool) (decision.Context, error) {
	var zero decision.Context
	body, _ := json.Marshal(buildRequest{
		Symbols:      symbols,
		AccountID:    accountID,
		Timeframes:   timeframes,
		ForceRefresh: forceRefresh,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/context/build", bytes.NewReader(body))
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return zero, fmt.Errorf("context builder request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var tc decision.Context
		if err := json.NewDecoder(resp.Body).Decode(&tc); err != nil {
			return zero, fmt.Errorf("decode context: %w", err)
		}
		return tc, nil
	case http.StatusUnprocessableEntity:
		return zero, fmt.Errorf("%w: %s", ErrInsufficientData, readErrorMessage(resp))
	case http.StatusConflict, http.StatusGone:
		return zero, fmt.Errorf("%w: %s", ErrStaleData, readErrorMessage(resp))
	default:
		return zero, fmt.Errorf("context builder status=%d: %s", resp.StatusCode, readErrorMessage(resp))
	}
}

// ClearCache 让 Context Builder 丢弃匹配 pattern 的缓存条目
//（账户/币种失效的第二跳）。
func (c *Client) ClearCache(ctx context.Context, pattern string) error {
	endpoint := c.baseURL + "/context/cache/clear?pattern=" + url.QueryEscape(pattern)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("context builder cache clear failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("context builder cache clear status=%d: %s", resp.StatusCode, readErrorMessage(resp))
	}
	return nil
}

func readErrorMessage(resp *http.Response) string {
	var eresp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&eresp); err == nil && eresp.Error != "" {
		return eresp.Error
	}
	return resp.Status
}
