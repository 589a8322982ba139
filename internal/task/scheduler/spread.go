package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// startupSpreadSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq uint64

// intervalSchedule returns a cron.Every schedule whose first run is the next
// point of the anchor+n*every grid after now, delayed by a random jitter in
// [0, min(every, maxSpread)). Runs missed while the daemon was down are not
// caught up.
func intervalSchedule(every, maxSpread time.Duration, anchor, now time.Time, tag string) (cron.Schedule, time.Duration) {
	first := nextOnGrid(anchor, every, now)
	spreadMax := min(every, maxSpread)
	if spreadMax <= 0 {
		return &startupSpreadSchedule{base: cron.Every(every), first: first}, 0
	}

	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&spreadSeq, 1)) ^ int64(fnv64a(tag))
	rng := rand.New(rand.NewSource(seed))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return &startupSpreadSchedule{base: cron.Every(every), first: first.Add(jitter)}, jitter
}

func nextOnGrid(anchor time.Time, every time.Duration, now time.Time) time.Time {
	next := anchor.Add(every)
	if next.After(now) {
		return next
	}
	n := now.Sub(anchor)/every + 1
	return anchor.Add(n * every)
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
