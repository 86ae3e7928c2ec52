package verification

import (
	"time"

	"go.uber.org/atomic"
)

// Stats is a point-in-time snapshot of verification counters.
type Stats struct {
	TotalAttempts   int64          `json:"total_attempts"`
	Successes       int64          `json:"successes"`
	Failures        int64          `json:"failures"`
	ReplaysDetected int64          `json:"replays_detected"`
	SuccessRate     float64        `json:"success_rate"`
	Throughput      float64        `json:"throughput_per_second"`
	FailuresByCode  map[Code]int64 `json:"failures_by_code"`
	Since           time.Time      `json:"since"`
}

type counters struct {
	started   time.Time
	attempts  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	replays   atomic.Int64

	// byCode is fully populated at construction and never written after.
	byCode map[Code]*atomic.Int64
}

func newCounters(now time.Time) *counters {
	c := &counters{
		started: now,
		byCode:  make(map[Code]*atomic.Int64, len(failureCodes)),
	}
	for _, code := range failureCodes {
		c.byCode[code] = atomic.NewInt64(0)
	}
	return c
}

func (c *counters) record(code Code) {
	c.attempts.Inc()
	if code == CodeOK {
		c.successes.Inc()
		return
	}
	c.failures.Inc()
	if code == CodeReplayAttack {
		c.replays.Inc()
	}
	if n, ok := c.byCode[code]; ok {
		n.Inc()
	}
}

func (c *counters) snapshot(now time.Time) Stats {
	s := Stats{
		TotalAttempts:   c.attempts.Load(),
		Successes:       c.successes.Load(),
		Failures:        c.failures.Load(),
		ReplaysDetected: c.replays.Load(),
		FailuresByCode:  make(map[Code]int64, len(c.byCode)),
		Since:           c.started,
	}
	for code, n := range c.byCode {
		if v := n.Load(); v > 0 {
			s.FailuresByCode[code] = v
		}
	}
	if s.TotalAttempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalAttempts)
	}
	if elapsed := now.Sub(c.started).Seconds(); elapsed > 0 {
		s.Throughput = float64(s.TotalAttempts) / elapsed
	}
	return s
}
