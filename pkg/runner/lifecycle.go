package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrDrainTimeout = errors.New("drain timeout")
)

// LifecycleRunner blocks until its context ends or Stop is called, then
// drains once within a deadline and runs the stop hook.
type LifecycleRunner struct {
	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once
	hooks    Hooks
	drainer  Drainer
	timeout  time.Duration
	stopErr  error

	// Banner receives the startup banner; nil disables it.
	Banner io.Writer
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		stopCh:  make(chan struct{}),
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		Banner:  os.Stdout,
	}
	r.state.Store(int32(StateNew))
	return r
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return fmt.Errorf("%w: run from %s", ErrInvalidState, r.State())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner(r.Banner)
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	select {
	case <-ctx.Done():
	case <-r.stopCh:
	}
	return r.drain()
}

// Stop ends Run and waits for the drain. Calling it before Run drains
// immediately.
func (r *LifecycleRunner) Stop() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	return r.drain()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) drain() error {
	r.doneOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		if r.drainer != nil {
			r.stopErr = r.drainWithin()
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop(r.stopErr)
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}

func (r *LifecycleRunner) drainWithin() error {
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain() }()
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrDrainTimeout, r.timeout)
	}
}
