package utils_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zhouzirui/coach-chat/client/pkg/utils"
)

func TestDelayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := utils.Delay(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelayElapses(t *testing.T) {
	if err := utils.Delay(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("Delay err: %v", err)
	}
}

func TestTaskCancelPreventsRun(t *testing.T) {
	var ran atomic.Bool
	task := utils.Schedule(20*time.Millisecond, func() { ran.Store(true) })

	if !task.Cancel() {
		t.Fatal("expected first cancel to succeed")
	}
	if task.Cancel() {
		t.Fatal("second cancel should report false")
	}

	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Fatal("cancelled task must not run")
	}
}

func TestTaskRuns(t *testing.T) {
	done := make(chan struct{})
	task := utils.Schedule(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	if task.Cancel() {
		t.Fatal("cancel after run should report false")
	}
}
