package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lkarlslund/grokgateway/pkg/cache"
)

// persistedCatalog is the §6.6 on-disk shape: "the token catalog (map
// id → TokenRecord JSON) and a monotonic version per record." The version
// lives on TokenRecord itself, so the file is just the map.
type persistedCatalog struct {
	SavedAt time.Time              `json:"saved_at,omitempty"`
	Tokens  map[string]TokenRecord `json:"tokens"`
}

// persistence implements §4.1's debounced coalesced flush: "any mutation
// schedules a debounced flush after save_delay_ms; repeated mutations
// within the window share one flush." Grounded on
// pkg/conversations/store.go's dirty-flag + saveInterval timer pattern.
type persistence struct {
	path      string
	saveDelay time.Duration

	mu      sync.Mutex
	dirty   bool
	pending bool
}

// Load populates the pool from path, tolerating a missing file (first run).
// After loading it runs the one-shot reconcile() described in §4.1:
// records whose last_used_at is more than 24h stale have their transient
// fields reset.
func (p *Pool) Load(path string, saveDelay time.Duration) error {
	p.persist = &persistence{path: path, saveDelay: saveDelay}

	var file persistedCatalog
	if err := cache.LoadJSON(path, &file); err != nil {
		if err == cache.ErrNotFound {
			return nil
		}
		return err
	}

	p.mu.Lock()
	for id, rec := range file.Tokens {
		r := rec
		r.ID = id
		p.records[id] = &r
	}
	p.mu.Unlock()

	p.reconcile()
	return nil
}

// reconcile implements §4.1's startup reconcile(): resets transient fields
// if now() - last_used_at > 24h.
func (p *Pool) reconcile() {
	const staleAfter = 24 * time.Hour
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.records {
		if r.LastUsedAt.IsZero() {
			continue
		}
		if now.Sub(r.LastUsedAt) > staleAfter {
			r.ConsecutiveFailures = 0
			r.CoolingOffUntil = time.Time{}
		}
	}
}

// schedulePersist must be called with p.mu held. It arms a debounced flush
// if one is not already pending, matching the teacher's saveLocked
// "dirty || force" gate.
func (p *Pool) schedulePersist() {
	if p.persist == nil {
		return
	}
	p.persist.mu.Lock()
	defer p.persist.mu.Unlock()
	p.persist.dirty = true
	if p.persist.pending {
		return
	}
	p.persist.pending = true
	delay := p.persist.saveDelay
	go func() {
		time.Sleep(delay)
		p.flush()
	}()
}

// flush writes the current state to disk if it is still dirty, clearing
// the dirty flag atomically with the write (coalescing any mutations that
// happened during the debounce window into this single flush).
func (p *Pool) flush() {
	if p.persist == nil {
		return
	}
	p.persist.mu.Lock()
	if !p.persist.dirty {
		p.persist.pending = false
		p.persist.mu.Unlock()
		return
	}
	p.persist.dirty = false
	p.persist.pending = false
	p.persist.mu.Unlock()

	file := persistedCatalog{SavedAt: time.Now().UTC(), Tokens: map[string]TokenRecord{}}
	p.mu.Lock()
	for id, r := range p.records {
		file.Tokens[id] = r.clone()
	}
	p.mu.Unlock()

	if err := cache.SaveJSON(p.persist.path, file); err != nil {
		slog.Error("token catalog flush failed", "error", err)
	}
}

// FlushNow forces an immediate synchronous write, used on graceful
// shutdown so no pending debounced write is lost.
func (p *Pool) FlushNow() {
	if p.persist == nil {
		return
	}
	p.persist.mu.Lock()
	p.persist.dirty = true
	p.persist.mu.Unlock()
	p.flush()
}

// RunReloadLoop implements §4.1's cross-worker consistency: periodically
// (reload_interval_sec) rereads records whose persisted version differs
// from the cached version and applies them in place. A losing writer (one
// whose own uncommitted mutation would be clobbered) is avoided by only
// ever overwriting with a strictly newer Version, per the §6.6 optimistic
// version contract.
func (p *Pool) RunReloadLoop(ctx context.Context, interval time.Duration) {
	if p.persist == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.reloadOnce()
		}
	}
}

func (p *Pool) reloadOnce() {
	var file persistedCatalog
	if err := cache.LoadJSON(p.persist.path, &file); err != nil {
		if err != cache.ErrNotFound {
			slog.Error("token catalog reload failed", "error", err)
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, rec := range file.Tokens {
		cur, ok := p.records[id]
		if !ok {
			r := rec
			r.ID = id
			p.records[id] = &r
			continue
		}
		if rec.Version > cur.Version {
			r := rec
			r.ID = id
			p.records[id] = &r
		}
	}
}
