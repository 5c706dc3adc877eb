package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxFirstRunSpread = 30 * time.Second

// delayedFirst fires once at first, then follows base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// makeIntervalScheduleWithSpread returns an every-d schedule whose first run
// is pushed back by a random amount up to min(d, 30s), seeded per tag.
func makeIntervalScheduleWithSpread(d time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(d)
	limit := min(d, maxFirstRunSpread)
	if limit <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(time.Now().UnixNano())))
	jitter := time.Duration(rng.Int64N(int64(limit)))
	return &delayedFirst{base: base, first: now.Add(d + jitter)}, jitter
}
