// Package worker runs the backup itself, either as a local command or as a
// systemd unit.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"smsbackup/internal/jobs"
	"smsbackup/internal/task/engine"
	logx "smsbackup/pkg/logx"
)

const (
	EnvKind          = "SMSBACKUP_KIND"
	envPayloadPrefix = "SMSBACKUP_PAYLOAD_"

	// sysexits(3) range; EX_TEMPFAIL stays retryable.
	exUsage    = 64
	exConfig   = 78
	exTempFail = 75

	maxOutputTail = 2048
)

// TempFailRetryDelay is how long a run that exited with EX_TEMPFAIL waits
// before its next attempt, instead of the job's backoff.
const TempFailRetryDelay = time.Minute

var ErrNoCommand = errors.New("worker command is empty")

type Config struct {
	Command string
	Dir     string
	Env     map[string]string
}

// CommandWorker implements jobs.Worker by executing Config.Command once per
// job run. The job kind and payload are exported as environment variables.
type CommandWorker struct {
	argv []string
	dir  string
	env  []string
	log  logx.Logger
}

var _ jobs.Worker = (*CommandWorker)(nil)

func New(cfg Config, log logx.Logger) (*CommandWorker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	line := strings.TrimSpace(cfg.Command)
	if line == "" {
		return nil, ErrNoCommand
	}
	argv, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse worker command: %w", err)
	}
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	return &CommandWorker{argv: argv, dir: cfg.Dir, env: envList(cfg.Env), log: log}, nil
}

// Command returns the parsed argv.
func (w *CommandWorker) Command() []string { return append([]string(nil), w.argv...) }

func (w *CommandWorker) Run(ctx context.Context, kind jobs.JobKind, payload jobs.Payload) error {
	cmd := exec.CommandContext(ctx, w.argv[0], w.argv[1:]...)
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Env = append(cmd.Env, EnvKind+"="+kind.String())
	cmd.Env = append(cmd.Env, payloadEnv(payload)...)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	if err == nil {
		w.log.Debug("backup command finished", logx.String("kind", kind.String()), logx.Duration("took", took))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	tail := tailString(out.String(), maxOutputTail)
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		// Could not start the binary at all; retrying will not help.
		return engine.NoRetry(fmt.Errorf("start %s: %w", w.argv[0], err))
	}
	code := exitErr.ExitCode()
	w.log.Warn("backup command failed",
		logx.String("kind", kind.String()),
		logx.Int("exit_code", code),
		logx.Duration("took", took),
		logx.String("output", tail),
	)
	return exitError(code, fmt.Errorf("%s exited with code %d: %s", w.argv[0], code, tail))
}

// exitError maps the exit code of a failed run onto the engine retry policy.
func exitError(code int, err error) error {
	switch {
	case code == exTempFail:
		return engine.RetryAfter(err, TempFailRetryDelay)
	case permanentExit(code):
		return engine.NoRetry(err)
	}
	return err
}

func permanentExit(code int) bool {
	return code >= exUsage && code <= exConfig && code != exTempFail
}

func payloadEnv(p jobs.Payload) []string {
	if len(p) == 0 {
		return nil
	}
	out := make([]string, 0, len(p))
	for k, v := range p {
		key := strings.ToUpper(strings.Map(func(r rune) rune {
			if r == '-' || r == '.' || r == ' ' {
				return '_'
			}
			return r
		}, k))
		out = append(out, envPayloadPrefix+key+"="+v)
	}
	sort.Strings(out)
	return out
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tailString(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
