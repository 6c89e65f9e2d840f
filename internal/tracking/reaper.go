package tracking

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
)

type ReaperConfig struct {
	Interval    time.Duration
	Threshold   time.Duration
	Concurrency int
}

// Reaper periodically ends live sessions that stopped reporting.
type Reaper struct {
	manager *Manager
	clock   clockwork.Clock
	cfg     ReaperConfig
}

func NewReaper(m *Manager, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Reaper{manager: m, clock: m.Clock(), cfg: cfg}
}

// Run sweeps on every interval tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Infof("reaper started: interval=%s threshold=%s", r.cfg.Interval, r.cfg.Threshold)
	for {
		select {
		case <-ctx.Done():
			log.Infof("reaper stopped")
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep ends every live session whose last update is older than the
// threshold and returns how many it ended. Sessions are handled
// independently; a failure is logged and the sweep moves on.
func (r *Reaper) Sweep(ctx context.Context) int {
	sessions, err := r.manager.Live(ctx)
	if err != nil {
		log.Errorf("reaper: list live sessions: %v", err)
		return 0
	}

	cutoff := r.clock.Now().Add(-r.cfg.Threshold)
	var ended atomic.Int64
	p := pool.New().WithMaxGoroutines(r.cfg.Concurrency)
	for _, s := range sessions {
		if !s.LastUpdatedAt.Before(cutoff) {
			continue
		}
		id := s.ID
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			_, changed, err := r.manager.EndIfStale(ctx, id, cutoff)
			if err != nil {
				log.Errorf("reaper: end stale session %s: %v", id, err)
				return
			}
			if changed {
				ended.Add(1)
			}
		})
	}
	p.Wait()
	return int(ended.Load())
}
