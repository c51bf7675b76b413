package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrShuttingDown 引擎已进入停机流程，不再受理新请求。
var ErrShuttingDown = errors.New("decision engine is shutting down")

// ErrInvalidRequest 请求参数非法（缺账户、空币种等）。
var ErrInvalidRequest = errors.New("invalid decision request")

// RateLimitError 账户限流拒绝。ResetAt 为最早回收一个配额的时间。
type RateLimitError struct {
	AccountID int64
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for account %d (remaining=%d, reset=%s)",
		e.AccountID, e.Remaining, e.ResetAt.Format(time.RFC3339))
}

// CapacityError 并发决策数达到上限。
type CapacityError struct {
	InFlight int
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("decision capacity exhausted (%d/%d in flight)", e.InFlight, e.Limit)
}

// GenerationError 决策生成阶段失败（含熔断拒绝），包装底层错误。
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("decision generation failed: %v", e.Err) }
func (e *GenerationError) Unwrap() error { return e.Err }
