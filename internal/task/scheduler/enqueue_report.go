package scheduler

import (
	"errors"

	"smsbackup/internal/jobs"
	"smsbackup/internal/task/engine"
	logx "smsbackup/pkg/logx"
)

func (s *Service) reportEnqueueError(kind jobs.JobKind, err error) {
	if err == nil {
		return
	}
	// Overlap skips happen when a periodic run is still in flight.
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job trigger skipped", logx.String("kind", kind.String()), logx.Err(err))
		return
	}
	// Queue full / stopping are important but can be bursty.
	if !s.warn.Allow(kind.String()) {
		return
	}
	s.log.Warn("job failed to enqueue", logx.String("kind", kind.String()), logx.Err(err))
}
