package observer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

func nextChange(t *testing.T, ch <-chan eventbus.Event) Change {
	t.Helper()
	select {
	case e := <-ch:
		return e.Data.(Change)
	case <-time.After(5 * time.Second):
		t.Fatal("no source.changed event")
	}
	return Change{}
}

func TestNotifyCoalesces(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, eventbus.SourceChanged)
	defer unsub()

	o := New(Config{Coalesce: time.Hour}, logx.Nop(), bus)
	o.Notify(jobs.SourceSMS, "/a", false)
	o.Notify(jobs.SourceSMS, "/a/1", true)
	o.Notify(jobs.SourceSMS, "/a", false)
	o.Notify(jobs.SourceCallLog, "/b", true)

	if len(ch) != 2 {
		t.Fatalf("published %d events, want one per source", len(ch))
	}
	o.mu.Lock()
	pending := o.pending[jobs.SourceSMS]
	o.mu.Unlock()
	if !pending.Descendant {
		t.Fatal("pending change must keep the descendant flag")
	}
}

func TestRootForPicksInnermost(t *testing.T) {
	t.Parallel()
	o := New(Config{Roots: map[jobs.SourceID]string{
		jobs.SourceSMS:     "/data",
		jobs.SourceCallLog: "/data/calls",
	}}, logx.Nop(), nil)

	r, ok := o.rootFor("/data/calls/1.json")
	if !ok || r.id != jobs.SourceCallLog {
		t.Fatalf("rootFor = %+v, %v", r, ok)
	}
	r, ok = o.rootFor("/data/sms/1.json")
	if !ok || r.id != jobs.SourceSMS {
		t.Fatalf("rootFor = %+v, %v", r, ok)
	}
	if _, ok := o.rootFor("/database"); ok {
		t.Fatal("sibling prefix must not match")
	}
}

func TestRunObservesNestedDirectories(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16, eventbus.SourceChanged)
	defer unsub()

	o := New(Config{Roots: map[jobs.SourceID]string{jobs.SourceSMS: dir}, Coalesce: 10 * time.Millisecond}, logx.Nop(), bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	// Give the watcher time to register the root.
	time.Sleep(100 * time.Millisecond)
	sub := filepath.Join(dir, "thread-1")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	c := nextChange(t, ch)
	if c.Source != jobs.SourceSMS || !c.Descendant {
		t.Fatalf("change = %+v", c)
	}

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "msg.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if c := e.Data.(Change); filepath.Base(c.Path) == "msg.json" {
				return
			}
		case <-deadline:
			t.Fatal("change in nested directory not observed")
		}
	}
}
