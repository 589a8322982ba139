//go:build linux

package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"

	"smsbackup/internal/jobs"
	"smsbackup/internal/task/engine"
	logx "smsbackup/pkg/logx"
)

// UnitWorker implements jobs.Worker by starting a systemd oneshot unit and
// waiting for its start job to complete.
type UnitWorker struct {
	mu      sync.RWMutex
	conn    *dbus.Conn
	pattern string
	log     logx.Logger
}

var _ jobs.Worker = (*UnitWorker)(nil)

func NewUnit(ctx context.Context, cfg UnitConfig, log logx.Logger) (*UnitWorker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Unit) == "" {
		return nil, fmt.Errorf("worker unit is empty")
	}
	connect := dbus.NewSystemConnectionContext
	if cfg.User {
		connect = dbus.NewUserConnectionContext
	}
	conn, err := connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &UnitWorker{conn: conn, pattern: cfg.Unit, log: log}, nil
}

func (w *UnitWorker) Run(ctx context.Context, kind jobs.JobKind, _ jobs.Payload) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.conn == nil {
		return engine.NoRetry(fmt.Errorf("systemd connection is closed"))
	}

	name := unitName(w.pattern, kind)
	result := make(chan string, 1)
	start := time.Now()
	if _, err := w.conn.StartUnitContext(ctx, name, "replace", result); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to start %s: %w", name, err)
	}

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := w.conn.StopUnitContext(stopCtx, name, "replace", nil); err != nil {
			w.log.Warn("failed to stop backup unit", logx.String("unit", name), logx.Err(err))
		}
		return ctx.Err()
	case res := <-result:
		took := time.Since(start)
		if res == "done" {
			w.log.Debug("backup unit finished", logx.String("unit", name), logx.Duration("took", took))
			return nil
		}
		code := w.exitStatus(ctx, name)
		w.log.Warn("backup unit failed", logx.String("unit", name), logx.String("result", res), logx.Int("exit_code", code), logx.Duration("took", took))
		return exitError(code, fmt.Errorf("%s: start job %s (exit code %d)", name, res, code))
	}
}

func (w *UnitWorker) exitStatus(ctx context.Context, name string) int {
	p, err := w.conn.GetServicePropertyContext(ctx, name, "ExecMainStatus")
	if err != nil || p == nil {
		return -1
	}
	switch v := p.Value.Value().(type) {
	case int32:
		return int(v)
	case int:
		return v
	default:
		return -1
	}
}

func (w *UnitWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	return nil
}
