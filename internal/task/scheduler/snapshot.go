package scheduler

import (
	"sort"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	out := Snapshot{Started: s.started, Closed: s.closed}
	for _, j := range s.jobs {
		d := j.desc
		it := JobInfo{
			ID:            j.id,
			Kind:          d.Kind,
			Periodic:      d.Periodic(),
			Interval:      d.PeriodInterval,
			Connectivity:  d.Constraints.RequiredConnectivity,
			Backoff:       d.Backoff,
			ArmedAt:       j.armedAt,
			DueAt:         j.dueAt(),
			StartupSpread: j.startupSpread,
			Pending:       j.pending,
			ChangeSeen:    j.changed,
		}
		for _, ws := range d.Constraints.WatchedSources {
			it.Sources = append(it.Sources, ws.Source)
		}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out.Jobs = append(out.Jobs, it)
	}
	eng := s.engine
	s.mu.Unlock()

	sort.Slice(out.Jobs, func(i, k int) bool { return out.Jobs[i].Kind < out.Jobs[k].Kind })

	if eng != nil {
		es := eng.Snapshot()
		out.Workers = es.Workers
		out.InFlight = es.InFlight
		out.QueueLen = es.QueueLen
		out.QueueCap = es.QueueCap
		out.Generation = es.Generation
		out.Dropped = es.Dropped
		out.Canceled = es.Canceled
		out.RetryMax = es.RetryMax
		out.RetryMaxDelay = es.RetryMaxDelay
		out.History = es.History
	}
	return out
}
