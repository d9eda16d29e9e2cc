package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lkarlslund/grokgateway/pkg/cache"
	"github.com/lkarlslund/grokgateway/pkg/gwerror"
)

// ErrNoToken is returned by Acquire when no selectable token exists for the
// requested class hint (§4.1 acquire contract).
var ErrNoToken = fmt.Errorf("%s", "pool: no selectable token")

// Options configures a Pool's behavior-relevant knobs (§4.1).
type Options struct {
	FailThreshold int

	// RefreshDedupe bounds how often RefreshNow will actually call the
	// upstream for the same token id; a zero value disables deduping.
	RefreshDedupe time.Duration
}

// Pool owns every TokenRecord and is the sole mutator of pool state (§5
// shared-resource policy: "the pool is the only component that mutates
// TokenRecord"). Per-record mutation is serialized with a single mutex;
// the spec permits per-id locks but a single mutex is sufficient at the
// scale this gateway targets and keeps selection/removal trivially
// consistent with each other.
type Pool struct {
	mu      sync.Mutex
	records map[string]*TokenRecord
	opts    Options

	persist *persistence

	subMu sync.Mutex
	subs  map[int]chan ChangeEvent
	nextSub int

	// refreshedRecently dedupes on-demand RefreshNow calls per token id
	// within opts.RefreshDedupe, so a retriggered admin refresh or a
	// batch/periodic-loop race doesn't double-hit the upstream quota
	// endpoint for the same token.
	refreshedRecently *cache.TTLMap[string, map[string]QuotaWindow]
}

// New constructs an empty Pool. Call Load to populate it from persistence
// before serving traffic.
func New(opts Options) *Pool {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 5
	}
	return &Pool{
		records:           map[string]*TokenRecord{},
		opts:              opts,
		subs:              map[int]chan ChangeEvent{},
		refreshedRecently: cache.NewTTLMap[string, map[string]QuotaWindow](),
	}
}

// Acquire implements §4.1's acquire(class_hint, purpose).
func (p *Pool) Acquire(hint ClassHint) (*Lease, error) {
	return p.AcquireExcluding(hint, nil)
}

// AcquireExcluding is Acquire with a set of token ids the caller has already
// tried and released earlier in the same logical request. §8 "retry never
// reuses" is naturally satisfied for a pool of two or more selectable tokens
// by the round-robin LastUsedAt ordering in selectBest, but a pool with only
// one selectable token for the class would otherwise hand that same token
// straight back on retry. Excluding already-tried ids makes that case
// surface pool_empty instead of silently reacquiring the token that just
// failed.
func (p *Pool) AcquireExcluding(hint ClassHint, exclude map[string]bool) (*Lease, error) {
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()

	switch hint {
	case HintSuper:
		if id, ok := p.pickLocked(ClassSuper, now, exclude); ok {
			return p.leaseLocked(id, ClassSuper, now), nil
		}
		return nil, ErrNoToken
	case HintSuperPreferred:
		if id, ok := p.pickLocked(ClassSuper, now, exclude); ok {
			return p.leaseLocked(id, ClassSuper, now), nil
		}
		if id, ok := p.pickLocked(ClassBasic, now, exclude); ok {
			slog.Warn("super_preferred fell back to basic", "reason", "no_selectable_super")
			return p.leaseLocked(id, ClassBasic, now), nil
		}
		return nil, ErrNoToken
	default: // HintBasic and anything unrecognized defaults to Basic
		if id, ok := p.pickLocked(ClassBasic, now, exclude); ok {
			return p.leaseLocked(id, ClassBasic, now), nil
		}
		return nil, ErrNoToken
	}
}

func (p *Pool) pickLocked(class Class, now time.Time, exclude map[string]bool) (string, bool) {
	candidates := map[string]*TokenRecord{}
	for id, r := range p.records {
		if r.Class != class {
			continue
		}
		if exclude[id] {
			continue
		}
		if !r.Selectable(now) {
			continue
		}
		candidates[id] = r
	}
	return selectBest(candidates)
}

func (p *Pool) leaseLocked(id string, class Class, now time.Time) *Lease {
	r := p.records[id]
	r.LastUsedAt = now
	r.Version++
	snapshot := r.clone()
	p.schedulePersist()
	p.notifyLocked(ChangeEvent{TokenID: id, Record: snapshot})
	return &Lease{TokenID: id, Record: snapshot, class: class}
}

// Release implements §4.1's release(lease, Outcome).
func (p *Pool) Release(lease *Lease, outcome Outcome) {
	if lease == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[lease.TokenID]
	if !ok {
		return
	}
	switch outcome.Kind {
	case OutcomeSuccess:
		r.ConsecutiveFailures = 0
		if outcome.QuotaHint != nil {
			if r.QuotaSnapshot == nil {
				r.QuotaSnapshot = map[string]QuotaWindow{}
			}
			for k, v := range outcome.QuotaHint {
				r.QuotaSnapshot[k] = v
			}
		}
	case OutcomeTransientFailure:
		r.ConsecutiveFailures++
		if r.ConsecutiveFailures >= p.opts.FailThreshold {
			r.Disabled = true
			slog.Warn("token disabled", "token_id", maskToken(r.ID), "consecutive_failures", r.ConsecutiveFailures)
		}
	case OutcomeTerminalFailure:
		r.Disabled = true
		slog.Warn("token disabled", "token_id", maskToken(r.ID), "reason", outcome.TerminalReason)
	case OutcomeQuotaExhausted:
		r.CoolingOffUntil = outcome.QuotaResetAt
	}
	r.Version++
	p.schedulePersist()
	p.notifyLocked(ChangeEvent{TokenID: lease.TokenID, Record: r.clone()})
}

// ListAll implements §4.1's list_all().
func (p *Pool) ListAll() []TokenRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TokenRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, r.clone())
	}
	return out
}

// Get returns a clone of one record, if present.
func (p *Pool) Get(id string) (TokenRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return TokenRecord{}, false
	}
	return r.clone(), true
}

// Patch is an operator-supplied partial update for ReplaceRecord.
type Patch struct {
	Class      *Class
	Tags       []string
	Disabled   *bool
	AccountTag *string
}

// ReplaceRecord implements §4.1's replace_record(id, patch).
func (p *Pool) ReplaceRecord(id string, patch Patch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[id]
	if !ok {
		return fmt.Errorf("pool: unknown token id")
	}
	if patch.Class != nil {
		r.Class = *patch.Class
	}
	if patch.Tags != nil {
		r.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.Disabled != nil {
		r.Disabled = *patch.Disabled
		if !r.Disabled {
			r.ConsecutiveFailures = 0
		}
	}
	if patch.AccountTag != nil {
		r.AccountTag = *patch.AccountTag
	}
	r.Version++
	p.schedulePersist()
	p.notifyLocked(ChangeEvent{TokenID: id, Record: r.clone()})
	return nil
}

// Import implements §4.1's import(records). Existing records with a
// matching id are left untouched (import is additive, matching the §3
// lifecycle: "created by operator import").
func (p *Pool) Import(records []TokenRecord) (imported int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range records {
		if _, exists := p.records[rec.ID]; exists {
			continue
		}
		clone := rec.clone()
		clone.Version = 1
		p.records[rec.ID] = &clone
		imported++
		p.notifyLocked(ChangeEvent{TokenID: rec.ID, Record: clone.clone()})
	}
	if imported > 0 {
		p.schedulePersist()
	}
	return imported
}

// Remove implements §4.1's remove(ids).
func (p *Pool) Remove(ids []string) (removed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if _, ok := p.records[id]; !ok {
			continue
		}
		delete(p.records, id)
		removed++
		p.notifyLocked(ChangeEvent{TokenID: id, Removed: true})
	}
	if removed > 0 {
		p.schedulePersist()
	}
	return removed
}

// SubscribeChanges implements §4.1's subscribe_changes() -> event stream.
// The returned channel is closed when ctx is done; callers must keep
// draining it to avoid blocking mutators (a slow consumer drops events,
// matching the non-blocking-broadcast convention used elsewhere in the
// gateway, e.g. pkg/batch's per-task subscriber broadcast).
func (p *Pool) SubscribeChanges(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 64)
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.subMu.Unlock()

	go func() {
		<-ctx.Done()
		p.subMu.Lock()
		delete(p.subs, id)
		close(ch)
		p.subMu.Unlock()
	}()
	return ch
}

func (p *Pool) notifyLocked(ev ChangeEvent) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			// Drop on backpressure; subscribers only need eventual
			// convergence (pool snapshots are always re-fetchable).
		}
	}
}

// MarkSuccessValid reports whether a Release(Success) should be honored:
// per §4.1 "Success resets to 0 only when the response is structurally
// valid", the caller (pipeline) must have observed at least one Delta or a
// terminal Done from the translator before calling Release with
// OutcomeSuccess. This helper exists purely as documentation of that
// contract; pipeline callers are expected to gate the call themselves.
func MarkSuccessValid(sawDeltaOrDone bool) bool { return sawDeltaOrDone }

// maskToken returns a token id safe for logs (§7: "logged with token id
// (masked)"), keeping only the last 4 characters.
func maskToken(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return "****" + id[len(id)-4:]
}

// ClassifyOutcome builds an Outcome from a *gwerror.GatewayError without
// importing pool-internal details. pkg/pipeline's retry loops build their
// Outcomes directly and do not call it.
func ClassifyOutcome(err *gwerror.GatewayError) Outcome {
	switch err.Kind {
	case gwerror.KindUpstreamAuthRevoked:
		return TerminalFailure(err.Message)
	case gwerror.KindUpstreamQuotaExhaust:
		resetAt := time.Now().Add(err.RetryAfter)
		return QuotaExhausted(resetAt)
	case gwerror.KindUpstreamHTTP4xx, gwerror.KindUpstreamHTTP5xx, gwerror.KindUpstreamTimeout:
		return TransientFailure(0)
	default:
		return TransientFailure(0)
	}
}
