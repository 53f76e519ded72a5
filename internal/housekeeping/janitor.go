// Package housekeeping runs the periodic session sweep. In-process idle
// timers are lost on restart; the janitor catches what they missed:
//   - idle sessions whose agent allows auto-hibernation are hibernated
//   - sessions past their agent's max_session_duration_hours are stopped
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown.
package housekeeping

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Minute

// minInterval guards against a misconfigured busy loop.
const minInterval = time.Second

// Sweeper is the part of the session manager the janitor drives.
type Sweeper interface {
	CheckIdleSessions(ctx context.Context) (int, error)
	ExpireSessions(ctx context.Context) (int, error)
}

// CycleStats records what a single sweep did.
type CycleStats struct {
	Hibernated int
	Expired    int
	Errors     []error
	Elapsed    time.Duration
}

// Janitor periodically sweeps sessions.
type Janitor struct {
	sweeper  Sweeper
	interval time.Duration
}

// NewJanitor creates a janitor that runs on the given interval.
func NewJanitor(s Sweeper, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < minInterval {
		interval = minInterval
	}
	return &Janitor{sweeper: s, interval: interval}
}

// Interval returns the effective sweep period.
func (j *Janitor) Interval() time.Duration { return j.interval }

// Start runs the janitor. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("🧹 Session janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Session janitor stopped")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep: hibernation first, then expiry.
func (j *Janitor) RunOnce(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	n, err := j.sweeper.CheckIdleSessions(ctx)
	stats.Hibernated = n
	if err != nil {
		stats.Errors = append(stats.Errors, err)
	}

	n, err = j.sweeper.ExpireSessions(ctx)
	stats.Expired = n
	if err != nil {
		stats.Errors = append(stats.Errors, err)
	}
	stats.Elapsed = time.Since(start)

	for _, e := range stats.Errors {
		log.Warn().Err(e).Msg("Session sweep error")
	}
	if stats.Hibernated > 0 || stats.Expired > 0 {
		log.Info().
			Int("hibernated", stats.Hibernated).
			Int("expired", stats.Expired).
			Dur("elapsed", stats.Elapsed).
			Msg("Session sweep complete")
	}
	return stats
}
