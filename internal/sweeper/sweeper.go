// Package sweeper runs the belt-and-suspenders periodic cleanup that sits
// alongside the built-in identity's lazy TTL checks: expired session rows
// and blacklist entries are already refused on every login attempt, so
// nothing depends on this running, but without it both bucket and map
// grow forever between logins.
//
// Grounded on the teacher's internal/plugins/scheduler.go, which wraps a
// single shared *cron.Cron so every periodic job shares one background
// goroutine rather than each owning its own ticker.
package sweeper

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/fabricgate/corehub/internal/logger"
)

// SessionSweeper deletes expired built-in-identity session rows.
type SessionSweeper interface {
	SweepExpiredSessions(ctx context.Context) (int, error)
}

// BlacklistSweeper drops expired blacklist entries.
type BlacklistSweeper interface {
	Sweep()
}

// Sweeper drives both cleanups on a shared cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// New creates a sweeper that runs sessions.SweepExpiredSessions and
// blacklist.Sweep on the given cron schedule (e.g. "*/10 * * * *" for
// every ten minutes). Either argument may be nil to skip that job, for
// identity modes with no built-in sessions or blacklist to sweep.
func New(schedule string, sessions SessionSweeper, blacklist BlacklistSweeper) (*Sweeper, error) {
	c := cron.New()
	log := logger.Server()

	if sessions != nil {
		if _, err := c.AddFunc(schedule, func() {
			n, err := sessions.SweepExpiredSessions(context.Background())
			if err != nil {
				log.Warn().Err(err).Msg("session sweep failed")
				return
			}
			if n > 0 {
				log.Debug().Int("count", n).Msg("swept expired sessions")
			}
		}); err != nil {
			return nil, err
		}
	}

	if blacklist != nil {
		if _, err := c.AddFunc(schedule, blacklist.Sweep); err != nil {
			return nil, err
		}
	}

	return &Sweeper{cron: c}, nil
}

// Run starts the sweep schedule in the background.
func (s *Sweeper) Run() { s.cron.Start() }

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }
