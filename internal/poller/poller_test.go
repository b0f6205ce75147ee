package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunFiresImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	p := New("test", time.Hour, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	}, nil)
	go p.Run(ctx)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("expected an immediate run")
	}
}

func TestRunKeepsPollingAfterErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	done := make(chan struct{})
	p := New("test", 5*time.Millisecond, func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 3 {
			close(done)
		}
		return errors.New("offline")
	}, nil)
	go p.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected polling to continue after errors, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestNudgeTriggersExtraRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs := make(chan struct{}, 4)
	p := New("test", time.Hour, func(ctx context.Context) error {
		runs <- struct{}{}
		return nil
	}, nil)
	go p.Run(ctx)

	<-runs
	p.Nudge()
	select {
	case <-runs:
	case <-time.After(time.Second):
		t.Fatalf("expected nudge to trigger a run")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	p := New("test", time.Millisecond, func(ctx context.Context) error { return nil }, nil)
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after cancel")
	}
}
