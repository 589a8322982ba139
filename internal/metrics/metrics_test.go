package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	"smsbackup/internal/netstate"
	"smsbackup/internal/observer"
	"smsbackup/internal/task/engine"
	"smsbackup/internal/task/scheduler"
)

func TestObserveCountsEvents(t *testing.T) {
	t.Parallel()
	m := New(func() int { return 2 })

	m.Observe(eventbus.Event{Type: eventbus.JobSubmitted, Data: scheduler.JobEvent{Kind: jobs.Regular}})
	m.Observe(eventbus.Event{Type: eventbus.JobSubmitted, Data: scheduler.JobEvent{Kind: jobs.Incoming}})
	m.Observe(eventbus.Event{Type: eventbus.JobSubmitted, Data: scheduler.JobEvent{Kind: jobs.Incoming}})
	m.Observe(eventbus.Event{Type: eventbus.JobsCanceled, Data: scheduler.CancelEvent{}})
	m.Observe(eventbus.Event{Type: eventbus.TaskRetry, Data: engine.TaskEvent{Name: "INCOMING"}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "INCOMING", Duration: 2 * time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "REGULAR"}})
	m.Observe(eventbus.Event{Type: eventbus.SourceChanged, Data: observer.Change{Source: jobs.SourceSMS}})
	m.Observe(eventbus.Event{Type: eventbus.NetworkChanged, Data: netstate.State{Connected: true, Metered: true}})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"submitted incoming", testutil.ToFloat64(m.submitted.WithLabelValues("INCOMING")), 2},
		{"cancellations", testutil.ToFloat64(m.cancellations), 1},
		{"retries", testutil.ToFloat64(m.retries.WithLabelValues("INCOMING")), 1},
		{"success", testutil.ToFloat64(m.runs.WithLabelValues("INCOMING", "success")), 1},
		{"failure", testutil.ToFloat64(m.runs.WithLabelValues("REGULAR", "failure")), 1},
		{"changes", testutil.ToFloat64(m.changes.WithLabelValues("sms")), 1},
		{"connected", testutil.ToFloat64(m.connected), 1},
		{"metered", testutil.ToFloat64(m.metered), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()
	m := New(func() int { return 1 })
	m.Observe(eventbus.Event{Type: eventbus.JobEnqueued, Data: scheduler.JobEvent{Kind: jobs.Regular}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", DefaultPath, nil))
	body := rec.Body.String()
	for _, want := range []string{
		`smsbackup_job_triggers_total{kind="REGULAR"} 1`,
		"smsbackup_jobs_scheduled 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition lacks %q", want)
		}
	}
}

func TestConsumeStopsWithContext(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Consume(ctx, bus) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return")
	}
}
