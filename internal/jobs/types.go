package jobs

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// JobKind tags a job with the trigger category it belongs to. Schedulers use
// the tag for replacement: submitting a job of a kind that is already
// scheduled replaces the previous one.
type JobKind int

const (
	Regular JobKind = iota + 1
	Incoming
)

func (k JobKind) String() string {
	switch k {
	case Regular:
		return "REGULAR"
	case Incoming:
		return "INCOMING"
	default:
		return fmt.Sprintf("JobKind(%d)", int(k))
	}
}

// ParseJobKind is the inverse of JobKind.String (case-insensitive).
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REGULAR":
		return Regular, nil
	case "INCOMING":
		return Incoming, nil
	}
	return 0, fmt.Errorf("unknown job kind %q", s)
}

func (k JobKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *JobKind) UnmarshalText(b []byte) error {
	v, err := ParseJobKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Connectivity is the network a job needs before it may run.
type Connectivity int

const (
	AnyConnected Connectivity = iota
	UnmeteredOnly
)

func (c Connectivity) String() string {
	switch c {
	case AnyConnected:
		return "CONNECTED"
	case UnmeteredOnly:
		return "UNMETERED"
	default:
		return fmt.Sprintf("Connectivity(%d)", int(c))
	}
}

func (c Connectivity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Connectivity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "CONNECTED":
		*c = AnyConnected
	case "UNMETERED":
		*c = UnmeteredOnly
	default:
		return fmt.Errorf("unknown connectivity %q", string(b))
	}
	return nil
}

// SourceID identifies a data location whose change notifications can trigger
// a one-shot job.
type SourceID string

const (
	SourceSMS     SourceID = "sms"
	SourceCallLog SourceID = "calllog"
)

// WatchedSource is a source observed by a job's constraints.
type WatchedSource struct {
	Source SourceID `json:"source"`
	// TriggerOnDescendantChange also counts changes below the source root.
	TriggerOnDescendantChange bool `json:"trigger_on_descendant_change"`
}

// Constraints are the conditions a scheduler must see satisfied before it
// runs a job.
type Constraints struct {
	RequiredConnectivity Connectivity    `json:"required_connectivity"`
	WatchedSources       []WatchedSource `json:"watched_sources,omitempty"`
}

// Watches reports whether src is among the watched sources.
func (c Constraints) Watches(src SourceID) (WatchedSource, bool) {
	for _, w := range c.WatchedSources {
		if w.Source == src {
			return w, true
		}
	}
	return WatchedSource{}, false
}

// BackoffStrategy is how the retry delay grows between failed attempts.
type BackoffStrategy int

const (
	BackoffNone BackoffStrategy = iota
	BackoffLinear
	BackoffExponential
)

func (s BackoffStrategy) String() string {
	switch s {
	case BackoffNone:
		return "NONE"
	case BackoffLinear:
		return "LINEAR"
	case BackoffExponential:
		return "EXPONENTIAL"
	default:
		return fmt.Sprintf("BackoffStrategy(%d)", int(s))
	}
}

func (s BackoffStrategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *BackoffStrategy) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "NONE":
		*s = BackoffNone
	case "LINEAR":
		*s = BackoffLinear
	case "EXPONENTIAL":
		*s = BackoffExponential
	default:
		return fmt.Errorf("unknown backoff strategy %q", string(b))
	}
	return nil
}

// BackoffPolicy is applied by the scheduler when a one-shot job fails.
type BackoffPolicy struct {
	Strategy     BackoffStrategy `json:"strategy"`
	InitialDelay time.Duration   `json:"initial_delay"`
}

// Payload is opaque key/value data handed to the Worker.
type Payload map[string]string

// JobDescriptor is the unit of schedulable work. Build one with NewPeriodic
// or NewOneShot; the zero value is not valid.
type JobDescriptor struct {
	Kind        JobKind        `json:"kind"`
	Constraints Constraints    `json:"constraints"`
	Backoff     *BackoffPolicy `json:"backoff,omitempty"`
	// InitialDelay is only meaningful for one-shot jobs.
	InitialDelay time.Duration `json:"initial_delay,omitempty"`
	// PeriodInterval is set only for recurring jobs.
	PeriodInterval time.Duration `json:"period_interval,omitempty"`
	Payload        Payload       `json:"payload,omitempty"`
}

// NewPeriodic returns a recurring descriptor. It carries no backoff and no
// initial delay.
func NewPeriodic(kind JobKind, every time.Duration, c Constraints) JobDescriptor {
	return JobDescriptor{
		Kind:           kind,
		Constraints:    copyConstraints(c),
		PeriodInterval: every,
	}
}

// NewOneShot returns a one-shot descriptor gated by c, first eligible after
// delay, retried according to backoff.
func NewOneShot(kind JobKind, delay time.Duration, backoff BackoffPolicy, c Constraints, payload Payload) JobDescriptor {
	b := backoff
	return JobDescriptor{
		Kind:         kind,
		Constraints:  copyConstraints(c),
		Backoff:      &b,
		InitialDelay: delay,
		Payload:      maps.Clone(payload),
	}
}

// Periodic reports whether d describes a recurring job. One-shot jobs always
// carry a backoff policy; recurring jobs never do.
func (d JobDescriptor) Periodic() bool { return d.Backoff == nil }

// Validate checks the structural invariants of a descriptor: exactly one of
// {PeriodInterval, InitialDelay+Backoff} is meaningful.
func (d JobDescriptor) Validate() error {
	if d.Kind != Regular && d.Kind != Incoming {
		return fmt.Errorf("invalid kind %d", int(d.Kind))
	}
	if d.Periodic() {
		if d.PeriodInterval <= 0 {
			return fmt.Errorf("%s: period interval must be > 0, got %s", d.Kind, d.PeriodInterval)
		}
		if d.InitialDelay != 0 {
			return fmt.Errorf("%s: periodic job must not carry an initial delay", d.Kind)
		}
		return nil
	}
	if d.PeriodInterval != 0 {
		return fmt.Errorf("%s: one-shot job must not carry a period interval", d.Kind)
	}
	if d.InitialDelay < 0 {
		return fmt.Errorf("%s: initial delay must be >= 0, got %s", d.Kind, d.InitialDelay)
	}
	if d.Backoff.InitialDelay < 0 {
		return fmt.Errorf("%s: backoff delay must be >= 0, got %s", d.Kind, d.Backoff.InitialDelay)
	}
	return nil
}

// Equal reports whether d and o describe the same job. A nil and an empty
// payload or source list are equal.
func (d JobDescriptor) Equal(o JobDescriptor) bool {
	if d.Kind != o.Kind || d.InitialDelay != o.InitialDelay || d.PeriodInterval != o.PeriodInterval {
		return false
	}
	if (d.Backoff == nil) != (o.Backoff == nil) || (d.Backoff != nil && *d.Backoff != *o.Backoff) {
		return false
	}
	if d.Constraints.RequiredConnectivity != o.Constraints.RequiredConnectivity ||
		!slices.Equal(d.Constraints.WatchedSources, o.Constraints.WatchedSources) {
		return false
	}
	return maps.Equal(d.Payload, o.Payload)
}

func copyConstraints(c Constraints) Constraints {
	if c.WatchedSources != nil {
		c.WatchedSources = append([]WatchedSource(nil), c.WatchedSources...)
	}
	return c
}
