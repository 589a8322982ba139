package scheduler

import (
	"context"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"smsbackup/internal/eventbus"
	"smsbackup/internal/jobs"
	"smsbackup/internal/observer"
	"smsbackup/internal/storage"
	"smsbackup/internal/task/engine"
	logx "smsbackup/pkg/logx"
)

// activateLocked registers j with cron (periodic) or arms its delay timer
// (one-shot). Call with s.mu held and s.c set.
func (s *Service) activateLocked(j *job) {
	kind := j.desc.Kind
	if j.desc.Periodic() {
		sched, spread := intervalSchedule(j.desc.PeriodInterval, s.cfg.StartupSpread, j.armedAt, time.Now(), kind.String())
		j.startupSpread = spread
		j.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.triggerPeriodic(j) }))
		s.log.Debug("periodic job registered", logx.String("kind", kind.String()), logx.Duration("every", j.desc.PeriodInterval), logx.Duration("spread", spread))
		return
	}

	s.armLocked(j, max(time.Until(j.dueAt()), 0))
}

// armLocked (re)starts the timer after which one-shot j is checked for
// eligibility.
func (s *Service) armLocked(j *job, delay time.Duration) {
	kind := j.desc.Kind
	j.ver++
	ver := j.ver
	j.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		// Ignore callbacks of a replaced, canceled or re-armed job.
		if s.jobs[kind] != j || j.ver != ver {
			s.mu.Unlock()
			return
		}
		j.timer = nil
		j.due = true
		t, ok := s.fireLocked(j)
		s.mu.Unlock()
		if ok {
			s.enqueue(j, t)
		}
	})
}

// deactivateLocked undoes activateLocked. c is the running cron, or nil when
// the whole cron is being stopped.
func (s *Service) deactivateLocked(j *job, c *cron.Cron) {
	if j.entryID != 0 {
		if c != nil {
			c.Remove(j.entryID)
		}
		j.entryID = 0
	}
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.ver++
}

func (s *Service) triggerPeriodic(j *job) {
	s.mu.Lock()
	if s.jobs[j.desc.Kind] != j || !s.started {
		s.mu.Unlock()
		return
	}
	if !s.net.Satisfies(j.desc.Constraints.RequiredConnectivity) {
		if !j.pending {
			s.log.Debug("periodic run held until connectivity", logx.String("kind", j.desc.Kind.String()))
		}
		j.pending = true
		s.mu.Unlock()
		return
	}
	j.pending = false
	t := s.task(j)
	s.mu.Unlock()
	s.enqueue(j, t)
}

// fireLocked checks whether one-shot j is eligible and, when it is, removes
// it from the scheduler and returns the task to enqueue. The job is kept in
// s.fired until its task reaches a final state, so a dropped task can put it
// back.
func (s *Service) fireLocked(j *job) (engine.Task, bool) {
	if !s.started || !j.due {
		return engine.Task{}, false
	}
	if len(j.desc.Constraints.WatchedSources) > 0 && !j.changed {
		return engine.Task{}, false
	}
	if !s.net.Satisfies(j.desc.Constraints.RequiredConnectivity) {
		return engine.Task{}, false
	}

	delete(s.jobs, j.desc.Kind)
	s.deactivateLocked(j, s.c)
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.store.DeleteJob(ctx, j.desc.Kind); err != nil {
			s.log.Warn("failed to delete fired job", logx.String("kind", j.desc.Kind.String()), logx.Err(err))
		}
		cancel()
	}
	t := s.task(j)
	t.ID = uuid.NewString()
	s.fired[t.ID] = j
	return t, true
}

func (s *Service) task(j *job) engine.Task {
	kind := j.desc.Kind
	payload := maps.Clone(j.desc.Payload)
	opt := engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning}
	if !j.desc.Periodic() {
		opt = engine.TaskOptions{Overlap: engine.OverlapAllow, Backoff: *j.desc.Backoff}
	}
	worker := s.worker
	return engine.Task{
		Name:    kind.String(),
		Timeout: s.cfg.Timeout,
		Opt:     opt,
		State:   j.state,
		Run: func(ctx context.Context) error {
			if worker == nil {
				return engine.NoRetry(errNoWorker)
			}
			return worker.Run(ctx, kind, payload)
		},
	}
}

func (s *Service) enqueue(j *job, t engine.Task) {
	err := engine.ErrStopped
	if s.engine != nil {
		err = s.engine.Enqueue(t)
	}
	if err != nil {
		s.reportEnqueueError(j.desc.Kind, err)
		if !j.desc.Periodic() {
			s.restoreFired(t.ID, err.Error())
		}
		return
	}
	s.log.Debug("job enqueued", logx.String("kind", j.desc.Kind.String()), logx.String("id", j.id))
	s.publish(eventbus.JobEnqueued, JobEvent{ID: j.id, Kind: j.desc.Kind, Periodic: j.desc.Periodic(), At: time.Now()})
}

func (s *Service) loop(ch <-chan eventbus.Event, done <-chan struct{}) {
	defer s.loopWG.Done()
	for {
		select {
		case <-done:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Type {
			case eventbus.SourceChanged:
				if c, ok := e.Data.(observer.Change); ok {
					s.onSourceChanged(c)
				}
			case eventbus.NetworkChanged:
				s.onNetworkChanged()
			case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskCanceled:
				if ev, ok := e.Data.(engine.TaskEvent); ok {
					s.forgetFired(ev.ID)
					s.recordRun(e.Time, ev)
				}
			case eventbus.TaskDropped:
				if ev, ok := e.Data.(engine.TaskEvent); ok {
					s.restoreFired(ev.ID, ev.Error)
				}
			}
		}
	}
}

// restoreFired puts a fired one-shot job whose task was never run back into
// the scheduler, keeping its id, arming time and observed change. It is
// checked again after its backoff delay. A job of the same kind submitted in
// the meantime wins.
func (s *Service) restoreFired(taskID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.fired[taskID]
	if !ok {
		return
	}
	delete(s.fired, taskID)
	kind := j.desc.Kind
	if s.closed || s.jobs[kind] != nil {
		return
	}

	s.jobs[kind] = j
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := s.store.PutJob(ctx, storage.JobRecord{ID: j.id, Descriptor: j.desc, ArmedAt: j.armedAt}); err != nil {
			s.log.Warn("failed to persist restored job", logx.String("kind", kind.String()), logx.Err(err))
		}
		cancel()
	}
	delay := max(j.desc.Backoff.InitialDelay, minRestoreDelay)
	if s.started {
		s.armLocked(j, delay)
	}
	s.log.Info("dropped job rescheduled",
		logx.String("kind", kind.String()),
		logx.String("id", j.id),
		logx.String("reason", reason),
		logx.Duration("retry_in", delay),
	)
}

func (s *Service) forgetFired(taskID string) {
	s.mu.Lock()
	delete(s.fired, taskID)
	s.mu.Unlock()
}

func (s *Service) onSourceChanged(c observer.Change) {
	s.mu.Lock()
	var ready []*job
	var tasks []engine.Task
	for _, j := range s.jobs {
		if j.desc.Periodic() {
			continue
		}
		ws, ok := j.desc.Constraints.Watches(c.Source)
		if !ok || (c.Descendant && !ws.TriggerOnDescendantChange) {
			continue
		}
		// Only changes after arming count.
		if c.At.Before(j.armedAt) {
			continue
		}
		j.changed = true
		if t, ok := s.fireLocked(j); ok {
			ready = append(ready, j)
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()
	for i := range ready {
		s.enqueue(ready[i], tasks[i])
	}
}

func (s *Service) onNetworkChanged() {
	s.mu.Lock()
	var ready []*job
	var tasks []engine.Task
	for _, j := range s.jobs {
		if j.desc.Periodic() {
			if j.pending && s.net.Satisfies(j.desc.Constraints.RequiredConnectivity) {
				j.pending = false
				ready = append(ready, j)
				tasks = append(tasks, s.task(j))
			}
			continue
		}
		if t, ok := s.fireLocked(j); ok {
			ready = append(ready, j)
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()
	for i := range ready {
		s.enqueue(ready[i], tasks[i])
	}
}

func (s *Service) recordRun(at time.Time, ev engine.TaskEvent) {
	if s.store == nil {
		return
	}
	kind, err := jobs.ParseJobKind(ev.Name)
	if err != nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	rec := storage.RunRecord{At: at, TaskID: ev.ID, Kind: kind, Attempts: ev.Attempts, Duration: ev.Duration, Error: ev.Error}
	if err := s.store.AppendRun(ctx, rec); err != nil {
		s.log.Warn("failed to record run", logx.String("kind", kind.String()), logx.Err(err))
	}
}
