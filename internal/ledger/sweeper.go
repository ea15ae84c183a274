package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Sweeper expires stale ledger records on a cron schedule.
type Sweeper struct {
	ledger      *Ledger
	schedule    cron.Schedule
	expireAfter time.Duration
}

// NewSweeper parses schedule and returns a Sweeper that expires records
// unused for longer than expireAfter.
func NewSweeper(l *Ledger, schedule string, expireAfter time.Duration) (*Sweeper, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger: sweeper: ledger is required")
	}
	if expireAfter <= 0 {
		return nil, fmt.Errorf("ledger: sweeper: expiry must be positive")
	}
	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("ledger: sweeper: parse schedule %q: %w", schedule, err)
	}
	return &Sweeper{ledger: l, schedule: sched, expireAfter: expireAfter}, nil
}

// Next returns when the sweep after t fires.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run sweeps on schedule until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	timer := time.NewTimer(time.Until(s.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Sweep(ctx)
			timer.Reset(time.Until(s.Next(time.Now())))
		}
	}
}

// Sweep runs one expiry pass.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.ledger.CleanupExpired(ctx, s.expireAfter)
	if err != nil {
		log.Printf("ledger: sweep: %v", err)
		return 0
	}
	return n
}
