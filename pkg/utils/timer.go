package utils

import (
	"context"
	"sync"
	"time"
)

// Delay 等待 d，ctx 取消时提前返回 ctx.Err()。
func Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Task 可取消的延时任务，取消后回调保证不会执行。
type Task struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// Schedule 在 d 之后执行 fn。
func Schedule(d time.Duration, fn func()) *Task {
	t := &Task{}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			return
		}
		t.cancelled = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel 取消任务，返回任务是否在执行前被取消。对 nil 安全，可重复调用。
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	return true
}
