package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultMaxSpread = 30 * time.Second

// spreadSchedule delays only the first run of an interval job, so jobs registered
// together do not all fire on the same tick after startup.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule returns an @every schedule whose first run is pushed back by an
// offset derived from the job name. The offset is stable across restarts.
func intervalSchedule(every time.Duration, now time.Time, name string, maxSpread time.Duration) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, maxSpread)
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	offset := time.Duration(h.Sum64() % uint64(limit))
	return &spreadSchedule{base: base, first: base.Next(now).Add(offset)}, offset
}
