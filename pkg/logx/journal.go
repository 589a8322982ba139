package logx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
)

// JournalConfig sends lines at or above MinLevel (default "info") to
// systemd-journald with their fields as journal variables.
type JournalConfig struct {
	Enabled  bool
	MinLevel string
}

type journalWriter struct {
	min  Level
	send func(msg string, pri journal.Priority, vars map[string]string) error
}

func newJournalWriter(cfg JournalConfig) (*journalWriter, bool) {
	if !journal.Enabled() {
		return nil, false
	}
	return &journalWriter{min: parseLevel(cfg.MinLevel, LevelInfo), send: journal.Send}, true
}

func (w *journalWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.NoLevel, p)
}

func (w *journalWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < w.min {
		return len(p), nil
	}
	msg, vars := journalEntry(p)
	// journald being briefly unavailable must not fail the other sinks.
	_ = w.send(msg, journalPriority(level), vars)
	return len(p), nil
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch level {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return journal.PriDebug
	case zerolog.WarnLevel:
		return journal.PriWarning
	case zerolog.ErrorLevel:
		return journal.PriErr
	case zerolog.FatalLevel:
		return journal.PriCrit
	case zerolog.PanicLevel:
		return journal.PriEmerg
	default:
		return journal.PriInfo
	}
}

// journalEntry splits a zerolog JSON line into the message and journal
// variables. Variable names are upper-cased; journald rejects anything but
// [A-Z0-9_].
func journalEntry(p []byte) (string, map[string]string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return strings.TrimSpace(string(p)), nil
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	vars := make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		name := journalVar(k)
		if name == "" {
			continue
		}
		if s, ok := v.(string); ok {
			vars[name] = s
		} else {
			vars[name] = fmt.Sprint(v)
		}
	}
	return msg, vars
}

func journalVar(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.TrimLeft(b.String(), "_")
	if name == "" {
		return ""
	}
	return "SMSBACKUP_" + name
}
