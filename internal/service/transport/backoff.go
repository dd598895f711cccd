package transport

import (
	"sync"
	"time"
)

// 默认重连参数：从 1 秒开始，每次失败翻倍，最多 60 秒。
const (
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 60 * time.Second
	backoffFactor      = 2
)

// Backoff 几何增长的重连延迟。
type Backoff struct {
	mu      sync.Mutex
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff 创建退避计算器，非法参数回落到默认值。
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, current: base}
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	next := b.current * backoffFactor
	if next > b.max || next <= 0 {
		next = b.max
	}
	b.current = next
	return delay
}

// Peek 返回下一次 Next 将返回的值。
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Reset 连接成功后回到初始延迟。
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.base
	b.mu.Unlock()
}
