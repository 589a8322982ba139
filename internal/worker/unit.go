package worker

import (
	"errors"
	"strings"

	"smsbackup/internal/jobs"
)

// KindPlaceholder in a unit name expands to the lower-case job kind.
const KindPlaceholder = "%k"

var ErrUnsupported = errors.New("systemd unit worker: unsupported OS (linux only)")

type UnitConfig struct {
	// Unit is the oneshot service to start per run, e.g.
	// "smsbackup-run@%k.service".
	Unit string
	// User talks to the per-user service manager instead of the system one.
	User bool
}

func unitName(pattern string, kind jobs.JobKind) string {
	name := strings.ReplaceAll(strings.TrimSpace(pattern), KindPlaceholder, strings.ToLower(kind.String()))
	if !strings.HasSuffix(name, ".service") {
		name += ".service"
	}
	return name
}
