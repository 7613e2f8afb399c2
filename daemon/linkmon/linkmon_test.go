package linkmon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"
)

func startMonitor(t *testing.T) *Monitor {
	t.Helper()
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.Check(t, errors.Is(<-done, context.Canceled))
	})
	return m
}

func TestCallbacksSerialized(t *testing.T) {
	m := startMonitor(t)

	var running, calls atomic.Int32
	cb := func(context.Context) error {
		if running.Add(1) != 1 {
			t.Error("callbacks overlap")
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return nil
	}

	a := make(chan struct{}, 1)
	b := make(chan struct{}, 1)
	m.Register("a", a, cb)
	m.Register("b", b, func(ctx context.Context) error {
		_ = cb(ctx)
		return errors.New("logged, not fatal")
	})
	for i := 0; i < 5; i++ {
		a <- struct{}{}
		b <- struct{}{}
	}
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if calls.Load() == 10 {
			return poll.Success()
		}
		return poll.Continue("%d callbacks", calls.Load())
	}, poll.WithTimeout(5*time.Second))
}

func TestUnregisterFromCallback(t *testing.T) {
	m := startMonitor(t)

	var calls atomic.Int32
	ready := make(chan struct{}, 1)
	m.Register("self", ready, func(context.Context) error {
		calls.Add(1)
		m.Unregister("self")
		return nil
	})
	ready <- struct{}{}
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if calls.Load() == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for callback")
	})

	ready <- struct{}{}
	assert.NilError(t, m.Do(context.Background(), func(context.Context) {}))
	assert.Check(t, is.Equal(calls.Load(), int32(1)))
	assert.Check(t, is.Len(m.Links(), 0))
}

func TestDo(t *testing.T) {
	m := startMonitor(t)
	var v int
	assert.NilError(t, m.Do(context.Background(), func(context.Context) { v = 42 }))
	assert.Check(t, is.Equal(v, 42))
}

func TestDoNotRunning(t *testing.T) {
	m := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.Do(ctx, func(context.Context) {})
	assert.Check(t, errors.Is(err, context.DeadlineExceeded))
}
