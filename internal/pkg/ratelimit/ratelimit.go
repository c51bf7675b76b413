package ratelimit

import (
	"sync"
	"time"
)

// 中文说明：
// 按 key 的滑动窗口限流器。窗口保存最近 windowSeconds 内的请求时间戳，
// Allow 只判断不记账；调用方确认放行后再 Record，避免被拒绝的请求消耗配额。

// Limiter 滑动窗口限流器。
type Limiter struct {
	maxRequests int
	window      time.Duration
	store       sync.Map // key -> *slidingWindow
	now         func() time.Time
}

type slidingWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// New 构造限流器，默认 60 次 / 60 秒。
func New(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{maxRequests: maxRequests, window: window, now: time.Now}
}

// SetClock 注入时钟（仅测试用）。
func (l *Limiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

func (l *Limiter) getWindow(key string) *slidingWindow {
	if v, ok := l.store.Load(key); ok {
		return v.(*slidingWindow)
	}
	actual, _ := l.store.LoadOrStore(key, &slidingWindow{})
	return actual.(*slidingWindow)
}

// prune 去除窗口外的时间戳，须在持锁状态下调用。
func (w *slidingWindow) prune(cutoff time.Time) {
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}
}

// Allow 当前窗口内是否还有配额。不记账。
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	w := l.getWindow(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now().Add(-l.window))
	return len(w.stamps) < l.maxRequests
}

// Record 记录一次已放行的请求。
func (l *Limiter) Record(key string) {
	if l == nil {
		return
	}
	w := l.getWindow(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	now := l.now()
	w.prune(now.Add(-l.window))
	w.stamps = append(w.stamps, now)
}

// RemainingRequests 剩余配额。
func (l *Limiter) RemainingRequests(key string) int {
	if l == nil {
		return 0
	}
	w := l.getWindow(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now().Add(-l.window))
	remaining := l.maxRequests - len(w.stamps)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ResetTime 最早一次可回收配额的时间；窗口为空时返回零值。
func (l *Limiter) ResetTime(key string) (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	w := l.getWindow(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now().Add(-l.window))
	if len(w.stamps) == 0 {
		return time.Time{}, false
	}
	return w.stamps[0].Add(l.window), true
}
