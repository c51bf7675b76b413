package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// 中文说明：
// 三态熔断器（Closed/Open/HalfOpen），包裹易抖动的下游依赖（LLM 调用）。
// 仅被分类器认定的错误计入失败阈值，其余错误原样透传、不影响状态。

// State 熔断器状态。
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen 熔断打开时的拒绝错误。
var ErrOpen = errors.New("circuit breaker is open")

// Classifier 判断一个错误是否计为熔断失败。
type Classifier func(err error) bool

// 默认参数：阈值 5 次，恢复窗口 60s。
const (
	DefaultThreshold = 5
	DefaultTimeout   = 60 * time.Second
)

// Breaker 单个下游依赖的熔断器实例（唯一持有者）。
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	timeout       time.Duration
	lastFailure   time.Time
	name          string
	countsAsFail  Classifier
	onStateChange func(name string, from, to State)
	now           func() time.Time
}

// New 构造熔断器。classify 为 nil 时所有错误均计入失败。
func New(name string, threshold int, timeout time.Duration, classify Classifier) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if classify == nil {
		classify = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		timeout:      timeout,
		state:        StateClosed,
		countsAsFail: classify,
		now:          time.Now,
	}
}

// SetStateChangeHandler 注册状态变化回调。
func (b *Breaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// SetClock 注入时钟（仅测试用）。
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

// Allow 是否放行本次调用。Open 状态下恢复窗口一到，
// 首个调用转入 HalfOpen 并作为试探放行；试探期内其余调用继续拒绝。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		// 单试探：HalfOpen 期间的并发调用不放行。
		return false
	default:
		return true
	}
}

// RecordSuccess 记录一次成功调用。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failures = 0
		b.transition(StateClosed)
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure 记录一次失败调用。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Execute 以熔断保护执行 fn。拒绝时返回包装的 ErrOpen，
// 不触发下游调用；fn 返回的非失败类错误不计入失败阈值。
// 试探调用以非失败类错误收尾时回到 Open 并重置恢复窗口，
// 否则 HalfOpen 无人记账会卡死后续所有试探。
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.countsAsFail(err):
		b.RecordFailure()
	default:
		b.abortTrial()
	}
	return err
}

// abortTrial 试探调用未得出可记账的结论（如被取消或输出不可解析）时，
// 回到 Open 并刷新 lastFailure，使下一个恢复窗口重新放行一次试探。
func (b *Breaker) abortTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateHalfOpen {
		return
	}
	b.lastFailure = b.now()
	b.transition(StateOpen)
}

// Snapshot 当前状态（用于健康上报）。
func (b *Breaker) Snapshot() (state State, failures int, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.lastFailure
}

// State 返回当前状态。
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}
