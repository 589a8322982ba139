package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) TaskEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(TaskEvent)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestBackoffDelayStrategies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		strategy jobs.BackoffStrategy
		retry    int
		want     time.Duration
	}{
		{"exponential first", jobs.BackoffExponential, 1, 30 * time.Second},
		{"exponential third", jobs.BackoffExponential, 3, 120 * time.Second},
		{"exponential capped", jobs.BackoffExponential, 20, 10 * time.Minute},
		{"linear second", jobs.BackoffLinear, 2, 60 * time.Second},
		{"linear capped", jobs.BackoffLinear, 100, 10 * time.Minute},
		{"none", jobs.BackoffNone, 3, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			opt := TaskOptions{
				Backoff:       jobs.BackoffPolicy{Strategy: tt.strategy, InitialDelay: 30 * time.Second},
				RetryMaxDelay: 10 * time.Minute,
			}
			if got := backoffDelay(opt, tt.retry, nil); got != tt.want {
				t.Fatalf("backoffDelay = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{
		Backoff:       jobs.BackoffPolicy{Strategy: jobs.BackoffExponential, InitialDelay: time.Second},
		RetryMaxDelay: time.Minute,
		RetryJitter:   0.2,
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := backoffDelay(opt, 2, rng)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("jittered delay %s out of bounds", d)
		}
	}
}

func TestRetryAfterHintIsCapped(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryMaxDelay: time.Second}
	err := RetryAfter(errors.New("busy"), time.Hour)
	if got := backoffDelayWithHint(opt, 1, err, nil); got != time.Second {
		t.Fatalf("delay = %s, want 1s", got)
	}
}

func TestNoneStrategyRunsOnce(t *testing.T) {
	t.Parallel()
	opt := (TaskOptions{RetryMax: 4}).withDefaults(Config{RetryMax: 3})
	if opt.RetryMax != 0 {
		t.Fatalf("RetryMax = %d, want 0 for BackoffNone", opt.RetryMax)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "INCOMING",
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("offline")
			}
			return nil
		},
		Opt: TaskOptions{
			Backoff:  jobs.BackoffPolicy{Strategy: jobs.BackoffExponential, InitialDelay: time.Millisecond},
			RetryMax: 5,
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ev := waitEvent(t, events, eventbus.TaskFinished)
	if ev.Attempts != 3 || ev.Name != "INCOMING" {
		t.Fatalf("finished event = %+v", ev)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	var calls atomic.Int32
	_ = s.Enqueue(Task{
		Name: "INCOMING",
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad config"))
		},
		Opt: TaskOptions{Backoff: jobs.BackoffPolicy{Strategy: jobs.BackoffLinear, InitialDelay: time.Millisecond}},
	})
	ev := waitEvent(t, events, eventbus.TaskFailed)
	if ev.Attempts != 1 || calls.Load() != 1 {
		t.Fatalf("attempts=%d calls=%d", ev.Attempts, calls.Load())
	}
	if ev.Error != "bad config" {
		t.Fatalf("error = %q", ev.Error)
	}
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "REGULAR",
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
		Opt: TaskOptions{Overlap: OverlapSkipIfRunning},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second Enqueue = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestCancelAllStopsRunningAndQueued(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1})
	events, unsub := bus.Subscribe(32)
	defer unsub()

	started := make(chan struct{})
	_ = s.Enqueue(Task{
		Name: "REGULAR",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		Opt: TaskOptions{Backoff: jobs.BackoffPolicy{Strategy: jobs.BackoffExponential, InitialDelay: time.Millisecond}},
	})
	var queuedRan atomic.Bool
	_ = s.Enqueue(Task{
		Name: "INCOMING",
		Run: func(context.Context) error {
			queuedRan.Store(true)
			return nil
		},
	})
	<-started
	s.CancelAll()

	waitEvent(t, events, eventbus.TaskCanceled)
	waitEvent(t, events, eventbus.TaskCanceled)
	if queuedRan.Load() {
		t.Fatal("task queued before CancelAll must not run")
	}

	done := make(chan struct{})
	_ = s.Enqueue(Task{Name: "INCOMING", Run: func(context.Context) error { close(done); return nil }})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tasks enqueued after CancelAll must run")
	}
	if snap := s.Snapshot(); snap.Canceled != 2 || snap.Generation != 1 {
		t.Fatalf("snapshot canceled=%d generation=%d", snap.Canceled, snap.Generation)
	}
}

func TestEnqueueStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "REGULAR", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue before Start = %v", err)
	}
}
