package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arbiter/internal/logger"
)

// 中文说明：
// OpenAIChatClient：兼容 OpenAI / DeepSeek / Qwen 的 /v1/chat/completions 客户端。
// 对 429/5xx 做有限重试（支持 Retry-After），日志中对密钥掩码。

// ChatUsage 模型返回的 token 用量。
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse 一次补全的内容与用量。
type ChatResponse struct {
	Content string
	Usage   ChatUsage
}

// ChatCaller 聊天补全调用方。
type ChatCaller interface {
	CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (ChatResponse, error)
}

// OpenAIChatClient 聊天补全客户端。
type OpenAIChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// MaxRetries 针对 429/5xx 的重试次数；0 表示默认 2 次。
	MaxRetries   int
	ExtraHeaders map[string]string

	httpc *http.Client
}

func (c *OpenAIChatClient) client() *http.Client {
	if c.httpc == nil {
		timeout := c.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		c.httpc = &http.Client{Timeout: timeout}
	}
	return c.httpc
}

func (c *OpenAIChatClient) endpoint() string {
	url := c.BaseURL
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	// 规范化：用户可能把 /chat/completions 也写进了配置
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

// CallWithMessages 发送 system+user 消息并返回补全内容。
func (c *OpenAIChatClient) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (ChatResponse, error) {
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	url := c.endpoint()

	messages := []map[string]string{}
	if systemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": systemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": userPrompt})
	body := map[string]any{
		"model":           c.Model,
		"messages":        messages,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}
	b, _ := json.Marshal(body)

	logger.Debugf("[llm] 请求: POST %s model=%s key=%s", url, c.Model, maskKey(c.APIKey))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return ChatResponse{}, fmt.Errorf("%w: %v", ErrAPI, err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		for k, v := range c.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := c.client().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			lastErr = fmt.Errorf("%w: %v", ErrAPI, err)
			break
		}
		if resp.StatusCode/100 == 2 {
			var r struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
				Usage ChatUsage `json:"usage"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()
			if derr != nil {
				return ChatResponse{}, fmt.Errorf("%w: decode response: %v", ErrAPI, derr)
			}
			if len(r.Choices) == 0 {
				return ChatResponse{}, fmt.Errorf("%w: empty choices", ErrAPI)
			}
			return ChatResponse{Content: r.Choices[0].Message.Content, Usage: r.Usage}, nil
		}

		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		retryAfter := resp.Header.Get("Retry-After")
		resp.Body.Close()
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		lastErr = fmt.Errorf("%w: status=%d: %s", ErrAPI, resp.StatusCode, msg)
		if !retryableStatus(resp.StatusCode) || attempt >= maxRetries {
			break
		}
		wait := backoffWait(retryAfter, attempt)
		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	return ChatResponse{}, lastErr
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func backoffWait(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	// 指数退避：0.8s, 1.6s, 3.2s ...
	wait := 800 * time.Millisecond << attempt
	if wait > 8*time.Second {
		wait = 8 * time.Second
	}
	return wait
}

func maskKey(key string) string {
	if key == "" {
		return "-"
	}
	if len(key) > 4 {
		return "****" + key[len(key)-4:]
	}
	return "****"
}
