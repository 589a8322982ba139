package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Err(errors.New("boom")), Duration("took", time.Second))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v", m["n"])
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing: %v", m)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should not be enabled at warn level")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at warn level")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
}

func TestValidLevel(t *testing.T) {
	for _, lv := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestSamplerPerKey(t *testing.T) {
	s := NewSampler(time.Hour)
	if !s.Allow("a") {
		t.Fatal("first a should pass")
	}
	if s.Allow("a") {
		t.Fatal("second a should be throttled")
	}
	if !s.Allow("b") {
		t.Fatal("b has its own bucket")
	}
}

func TestJournalWriterFiltersAndMapsFields(t *testing.T) {
	type sent struct {
		msg  string
		pri  journal.Priority
		vars map[string]string
	}
	var got []sent
	w := &journalWriter{min: LevelWarn, send: func(msg string, pri journal.Priority, vars map[string]string) error {
		got = append(got, sent{msg, pri, vars})
		return nil
	}}
	log := NewWithWriter(zerolog.MultiLevelWriter(w), "debug")
	log.Info("quiet")
	log.Warn("store slow", String("job-kind", "REGULAR"), Int("attempt", 2))

	if len(got) != 1 {
		t.Fatalf("sent %d entries, want 1", len(got))
	}
	e := got[0]
	if e.msg != "store slow" || e.pri != journal.PriWarning {
		t.Fatalf("entry = %q pri %d", e.msg, e.pri)
	}
	if e.vars["SMSBACKUP_JOB_KIND"] != "REGULAR" || e.vars["SMSBACKUP_ATTEMPT"] != "2" {
		t.Fatalf("vars = %v", e.vars)
	}
	if _, ok := e.vars["SMSBACKUP_MESSAGE"]; ok {
		t.Fatal("message must not be duplicated as a variable")
	}
}

func TestJournalVar(t *testing.T) {
	for in, want := range map[string]string{
		"caller":  "SMSBACKUP_CALLER",
		"task.id": "SMSBACKUP_TASK_ID",
		"_x":      "SMSBACKUP_X",
		"__":      "",
	} {
		if got := journalVar(in); got != want {
			t.Fatalf("journalVar(%q) = %q, want %q", in, got, want)
		}
	}
}
