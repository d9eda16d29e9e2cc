package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// QuotaChecker queries the upstream "remaining quota" endpoint for one
// token id and returns a fresh snapshot, or an error if the check failed.
// Implemented by pkg/upstream; injected here to keep pool decoupled from
// the upstream client (§4.1 refresh scheduler).
type QuotaChecker func(ctx context.Context, tokenID string) (map[string]QuotaWindow, error)

// RunRefreshLoop implements §4.1's refresh scheduler: a single background
// worker that, on the given interval, picks records whose last_refreshed_at
// is stale and queries the upstream using a bounded concurrency pool
// (concurrency, default 10). Grounded on pkg/proxy/provider_health.go's
// ticker-driven poller, with golang.org/x/sync/errgroup replacing the
// teacher's hand-written channel semaphore for bounded concurrency.
func (p *Pool) RunRefreshLoop(ctx context.Context, class Class, interval time.Duration, concurrency int, check QuotaChecker) {
	if interval <= 0 || check == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.refreshStale(ctx, class, interval, concurrency, check)
		}
	}
}

func (p *Pool) refreshStale(ctx context.Context, class Class, interval time.Duration, concurrency int, check QuotaChecker) {
	now := time.Now().UTC()
	p.mu.Lock()
	var stale []string
	for id, r := range p.records {
		if r.Class != class {
			continue
		}
		if now.Sub(r.LastRefreshedAt) < interval {
			continue
		}
		stale = append(stale, id)
	}
	p.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	if concurrency <= 0 {
		concurrency = 10
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range stale {
		id := id
		g.Go(func() error {
			p.refreshOne(gctx, id, check)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) refreshOne(ctx context.Context, id string, check QuotaChecker) {
	_ = p.RefreshNow(ctx, id, check)
}

// RefreshNow performs an immediate, on-demand quota check for one token id
// regardless of its last_refreshed_at staleness, applying the same
// snapshot-merge and disabled-clearing rule as the periodic refresh loop.
// Used directly by pkg/batch's refresh_usage task, which targets explicit
// tokens rather than whatever the stale-scan picks up.
//
// Repeat calls for the same id within opts.RefreshDedupe reuse the cached
// snapshot instead of hitting the upstream again (refreshedRecently).
func (p *Pool) RefreshNow(ctx context.Context, id string, check QuotaChecker) error {
	now := time.Now().UTC()
	if p.opts.RefreshDedupe > 0 {
		if cached, ok := p.refreshedRecently.GetFresh(id, now); ok {
			return p.applySnapshot(id, cached)
		}
	}

	snapshot, err := check(ctx, id)
	if err == nil && p.opts.RefreshDedupe > 0 {
		p.refreshedRecently.SetWithTTL(id, snapshot, now, p.opts.RefreshDedupe)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("pool: unknown token %s", maskToken(id))
	}
	r.LastRefreshedAt = now
	if err != nil {
		slog.Warn("token quota refresh failed", "token_id", maskToken(id), "error", err)
		r.Version++
		p.records[id] = r
		p.schedulePersist()
		return err
	}
	if r.QuotaSnapshot == nil {
		r.QuotaSnapshot = map[string]QuotaWindow{}
	}
	for k, v := range snapshot {
		r.QuotaSnapshot[k] = v
	}
	// "Refresh outcomes ... clear disabled if the record reports healthy."
	r.Disabled = false
	r.ConsecutiveFailures = 0
	r.Version++
	p.records[id] = r
	p.schedulePersist()
	p.notifyLocked(ChangeEvent{TokenID: id, Record: r.clone()})
	return nil
}

// applySnapshot re-applies a cached quota snapshot (from refreshedRecently)
// to a record without re-querying the upstream.
func (p *Pool) applySnapshot(id string, snapshot map[string]QuotaWindow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("pool: unknown token %s", maskToken(id))
	}
	if r.QuotaSnapshot == nil {
		r.QuotaSnapshot = map[string]QuotaWindow{}
	}
	for k, v := range snapshot {
		r.QuotaSnapshot[k] = v
	}
	r.Disabled = false
	r.ConsecutiveFailures = 0
	r.Version++
	p.records[id] = r
	p.schedulePersist()
	p.notifyLocked(ChangeEvent{TokenID: id, Record: r.clone()})
	return nil
}
