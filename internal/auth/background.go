package auth

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// DefaultBackgroundInterval is the refresh sweep period (spec.md §4.3:
// "every 5 minutes").
const DefaultBackgroundInterval = 5 * time.Minute

// DefaultShutdownGrace is the cooperative-shutdown grace period (spec.md §5
// "Background refresh tasks observe a shutdown signal with a 5 s grace
// period before forced cancellation").
const DefaultShutdownGrace = 5 * time.Second

// BackgroundRefresher maintains a cached access token per account by
// refreshing proactively, so GetAccessToken can avoid refresh latency on the
// hot path for all but the cold start (spec.md §4.3 "Optional background
// refresher").
type BackgroundRefresher struct {
	mgr      *Manager
	interval time.Duration
	grace    time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewBackgroundRefresher constructs a refresher for mgr. Call Start to begin
// the sweep loop and Stop to shut it down cooperatively.
func NewBackgroundRefresher(mgr *Manager, interval, grace time.Duration) *BackgroundRefresher {
	if interval <= 0 {
		interval = DefaultBackgroundInterval
	}
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &BackgroundRefresher{
		mgr:      mgr,
		interval: interval,
		grace:    grace,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a new goroutine.
func (b *BackgroundRefresher) Start(ctx context.Context) {
	go b.loop(ctx)
}

func (b *BackgroundRefresher) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case <-ticker.C:
			b.sweepOnce(ctx)
		}
	}
}

// sweepOnce refreshes every account whose cached token is within one
// interval plus 60s of expiring, skipping quarantined (unhealthy) accounts.
// Per-account refreshes run concurrently, bounded and panic-safe, via
// sourcegraph/conc.
func (b *BackgroundRefresher) sweepOnce(ctx context.Context) {
	b.mgr.mu.Lock()
	now := b.mgr.now()
	threshold := b.interval + 60*time.Second
	var due []string
	for _, a := range b.mgr.pool.All() {
		if !a.Eligible(now) {
			continue
		}
		if a.Record.HasAccessToken() && a.Record.ExpiresAt.After(now.Add(threshold)) {
			continue
		}
		due = append(due, a.Record.Key)
	}
	b.mgr.mu.Unlock()

	if len(due) == 0 {
		return
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(4)
	for _, key := range due {
		key := key
		p.Go(func(ctx context.Context) error {
			sticky := &Sticky{Key: key}
			_, _, err := b.mgr.ForceRefresh(ctx, sticky)
			if err != nil {
				b.mgr.log.Warn().Str("account", key).Err(err).Msg("auth: background refresh failed")
			}
			return nil
		})
	}
	_ = p.Wait()
}

// Stop signals the sweep loop to exit and waits up to the configured grace
// period before returning, regardless of whether the loop has exited.
func (b *BackgroundRefresher) Stop() {
	close(b.stop)
	select {
	case <-b.done:
	case <-time.After(b.grace):
	}
}
