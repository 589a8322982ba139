package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	"smsbackup/internal/storage"
	"smsbackup/internal/task/engine"
	logx "smsbackup/pkg/logx"
)

const (
	enqueueWarnThrottle = 5 * time.Second
	storeTimeout        = 5 * time.Second
	minRestoreDelay     = time.Millisecond
)

// Service is the jobs.Scheduler of the daemon. It keeps at most one job per
// kind; submitting a kind that is already scheduled replaces it.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	bus    eventbus.Bus
	engine *engine.Service
	store  storage.Store
	net    Connectivity
	worker jobs.Worker

	c        *cron.Cron
	jobs     map[jobs.JobKind]*job
	fired    map[string]*job // one-shot jobs by task id, until the task ends
	started  bool
	closed   bool
	restored bool

	unsub  func()
	loopCh chan struct{}
	loopWG sync.WaitGroup

	warn *logx.Sampler
}

var _ jobs.Scheduler = (*Service)(nil)

// New builds a scheduler. store may be nil (no persistence); net may be nil
// (connectivity always satisfied).
func New(cfg Config, eng *engine.Service, store storage.Store, net Connectivity, worker jobs.Worker, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if net == nil {
		net = AlwaysConnected{}
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		engine: eng,
		store:  store,
		net:    net,
		worker: worker,
		jobs:   map[jobs.JobKind]*job{},
		fired:  map[string]*job{},
		warn:   logx.NewSampler(enqueueWarnThrottle),
	}
}

// Apply swaps the trigger config. Running periodic jobs keep their schedule
// until they are resubmitted.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start restores persisted jobs (first start only), activates every known
// job and begins reacting to source and network events.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs.ErrSchedulerUnavailable
	}
	if s.started {
		return nil
	}

	var restoreErr error
	if !s.restored && s.store != nil {
		s.restored = true
		restoreErr = s.restoreLocked(ctx)
	}

	s.c = cron.New()
	for _, j := range s.jobs {
		s.activateLocked(j)
	}
	s.c.Start()

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64,
			eventbus.SourceChanged, eventbus.NetworkChanged,
			eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskCanceled, eventbus.TaskDropped,
		)
		s.unsub = unsub
		s.loopCh = make(chan struct{})
		s.loopWG.Add(1)
		go s.loop(ch, s.loopCh)
	}
	s.started = true
	s.log.Info("scheduler started", logx.Int("jobs", len(s.jobs)))
	return restoreErr
}

func (s *Service) restoreLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	recs, err := s.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}
	for _, rec := range recs {
		if err := rec.Descriptor.Validate(); err != nil {
			s.log.Warn("dropping invalid persisted job", logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		// Submissions made before Start win over persisted ones.
		if _, ok := s.jobs[rec.Descriptor.Kind]; ok {
			continue
		}
		s.jobs[rec.Descriptor.Kind] = newJob(rec.ID, rec.Descriptor, rec.ArmedAt)
		s.log.Info("job restored", logx.String("kind", rec.Descriptor.Kind.String()), logx.String("id", rec.ID))
	}
	return nil
}

// Stop halts triggering. Jobs stay registered and resume on the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, j := range s.jobs {
		s.deactivateLocked(j, nil)
	}
	unsub, loopCh := s.unsub, s.loopCh
	s.unsub, s.loopCh = nil, nil
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if loopCh != nil {
		close(loopCh)
		unsub()
		s.loopWG.Wait()
	}
	if wasStarted {
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	}
}

// Close stops the scheduler for good. Later calls to Submit and CancelAll
// return jobs.ErrSchedulerUnavailable.
func (s *Service) Close(ctx context.Context) {
	s.Stop(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Submit validates d, replaces any job of the same kind, persists it and
// activates it when the scheduler is running. Resubmitting a descriptor equal
// to the scheduled one keeps the existing job, with its id, arming time and
// periodic cadence.
func (s *Service) Submit(ctx context.Context, d jobs.JobDescriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrSubmissionRejected, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return jobs.ErrSchedulerUnavailable
	}

	if prev := s.jobs[d.Kind]; prev != nil && prev.desc.Equal(d) {
		s.log.Debug("job unchanged", logx.String("kind", d.Kind.String()), logx.String("id", prev.id))
		return nil
	}

	j := newJob(uuid.NewString(), d, time.Now())
	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := s.store.PutJob(sctx, storage.JobRecord{ID: j.id, Descriptor: j.desc, ArmedAt: j.armedAt})
		cancel()
		if err != nil {
			return fmt.Errorf("persist %s job: %w", d.Kind, err)
		}
	}

	prev := s.jobs[d.Kind]
	if prev != nil {
		s.deactivateLocked(prev, s.c)
	}
	s.jobs[d.Kind] = j
	if s.started {
		s.activateLocked(j)
	}

	fields := []logx.Field{logx.String("kind", d.Kind.String()), logx.String("id", j.id), logx.String("connectivity", d.Constraints.RequiredConnectivity.String())}
	if d.Periodic() {
		fields = append(fields, logx.Duration("every", d.PeriodInterval))
	} else {
		fields = append(fields, logx.Duration("delay", d.InitialDelay), logx.Int("sources", len(d.Constraints.WatchedSources)))
	}
	if prev != nil {
		fields = append(fields, logx.String("replaced", prev.id))
	}
	s.log.Info("job submitted", fields...)
	s.publish(eventbus.JobSubmitted, JobEvent{ID: j.id, Kind: d.Kind, Periodic: d.Periodic(), At: j.armedAt})
	return nil
}

// CancelAll removes every job, clears persisted jobs and cancels queued and
// running executions.
func (s *Service) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return jobs.ErrSchedulerUnavailable
	}
	removed := len(s.jobs)
	for kind, j := range s.jobs {
		s.deactivateLocked(j, s.c)
		delete(s.jobs, kind)
	}
	clear(s.fired)
	var storeErr error
	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		storeErr = s.store.DeleteAllJobs(sctx)
		cancel()
	}
	s.mu.Unlock()

	var gen uint64
	if s.engine != nil {
		gen = s.engine.CancelAll()
	}
	s.log.Info("all jobs canceled", logx.Int("removed", removed), logx.Uint64("generation", gen))
	s.publish(eventbus.JobsCanceled, CancelEvent{Removed: removed, Generation: gen, At: time.Now()})
	if storeErr != nil {
		return fmt.Errorf("clear persisted jobs: %w", storeErr)
	}
	return nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func newJob(id string, d jobs.JobDescriptor, armedAt time.Time) *job {
	j := &job{id: id, desc: d, armedAt: armedAt}
	if d.Periodic() {
		j.state = &engine.RunState{}
	}
	return j
}

var errNoWorker = errors.New("no worker configured")
