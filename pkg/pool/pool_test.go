package pool

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestPool(t *testing.T, n int, class Class) *Pool {
	t.Helper()
	p := New(Options{FailThreshold: 5})
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		p.records[id] = &TokenRecord{ID: id, Class: class, Version: 1}
	}
	return p
}

// TestSelectionFairness covers §8: "For any pool of N selectable,
// equal-state tokens and K sequential acquisitions (K ≫ N), each token is
// chosen ⌊K/N⌋ or ⌈K/N⌉ times."
func TestSelectionFairness(t *testing.T) {
	const n = 5
	const k = 500
	p := newTestPool(t, n, ClassBasic)

	counts := map[string]int{}
	for i := 0; i < k; i++ {
		lease, err := p.Acquire(HintBasic)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		counts[lease.TokenID]++
		p.Release(lease, Success(nil))
	}

	lo := k / n
	hi := lo
	if k%n != 0 {
		hi = lo + 1
	}
	if len(counts) != n {
		t.Fatalf("expected %d distinct tokens chosen, got %d", n, len(counts))
	}
	for id, c := range counts {
		if c < lo || c > hi {
			t.Fatalf("token %s chosen %d times, want between %d and %d", id, c, lo, hi)
		}
	}
}

// TestFailureThreshold covers §8: after exactly fail_threshold consecutive
// TransientFailure reports, the token is never returned again until
// operator action or a successful refresh.
func TestFailureThreshold(t *testing.T) {
	p := newTestPool(t, 1, ClassBasic)

	for i := 0; i < 5; i++ {
		lease, err := p.Acquire(HintBasic)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		p.Release(lease, TransientFailure(500))
	}

	if _, err := p.Acquire(HintBasic); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken after threshold crossed, got %v", err)
	}

	rec, _ := p.Get("a")
	if !rec.Disabled {
		t.Fatalf("expected token disabled after fail_threshold failures")
	}

	// Operator re-enable makes it selectable again.
	disabled := false
	if err := p.ReplaceRecord("a", Patch{Disabled: &disabled}); err != nil {
		t.Fatalf("ReplaceRecord: %v", err)
	}
	if _, err := p.Acquire(HintBasic); err != nil {
		t.Fatalf("expected acquire to succeed after re-enable: %v", err)
	}
}

// TestResetOnSuccess covers §8: any Success report resets
// consecutive_failures to 0 atomically.
func TestResetOnSuccess(t *testing.T) {
	p := newTestPool(t, 1, ClassBasic)

	for i := 0; i < 4; i++ {
		lease, _ := p.Acquire(HintBasic)
		p.Release(lease, TransientFailure(500))
	}
	rec, _ := p.Get("a")
	if rec.ConsecutiveFailures != 4 {
		t.Fatalf("expected 4 consecutive failures, got %d", rec.ConsecutiveFailures)
	}

	lease, _ := p.Acquire(HintBasic)
	p.Release(lease, Success(nil))

	rec, _ = p.Get("a")
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive_failures reset to 0, got %d", rec.ConsecutiveFailures)
	}
	if rec.Disabled {
		t.Fatalf("token should not be disabled below threshold")
	}
}

func TestSuperPreferredFallsBackToBasic(t *testing.T) {
	p := New(Options{FailThreshold: 5})
	p.records["basic1"] = &TokenRecord{ID: "basic1", Class: ClassBasic, Version: 1}

	lease, err := p.Acquire(HintSuperPreferred)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.TokenID != "basic1" {
		t.Fatalf("expected fallback to the only basic token, got %s", lease.TokenID)
	}
	if lease.class != ClassBasic {
		t.Fatalf("expected class basic on fallback lease")
	}
}

func TestQuotaExhaustedCoolsOffWithoutPenalty(t *testing.T) {
	p := newTestPool(t, 1, ClassBasic)
	lease, _ := p.Acquire(HintBasic)
	p.Release(lease, QuotaExhausted(time.Now().Add(time.Hour)))

	if _, err := p.Acquire(HintBasic); err != ErrNoToken {
		t.Fatalf("expected token to be cooling off, got err=%v", err)
	}
	rec, _ := p.Get("a")
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("QuotaExhausted must not penalize consecutive_failures, got %d", rec.ConsecutiveFailures)
	}
	if rec.Disabled {
		t.Fatalf("QuotaExhausted must not disable the token")
	}
}

// TestPersistenceRoundTrip covers §8: save(R); reload(); load() == R for
// any TokenRecord R with arbitrary extra fields.
func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")

	p := New(Options{FailThreshold: 5})
	if err := p.Load(path, 10*time.Millisecond); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p.Import([]TokenRecord{{
		ID:    "tok-1",
		Class: ClassSuper,
		Tags:  []string{"content-mode-enabled"},
		Extra: map[string]any{"cookie": "abc", "nested": map[string]any{"x": float64(1)}},
	}})
	p.FlushNow()

	p2 := New(Options{FailThreshold: 5})
	if err := p2.Load(path, 10*time.Millisecond); err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	rec, ok := p2.Get("tok-1")
	if !ok {
		t.Fatalf("expected tok-1 to survive reload")
	}
	if rec.Class != ClassSuper || len(rec.Tags) != 1 || rec.Tags[0] != "content-mode-enabled" {
		t.Fatalf("unexpected record after reload: %+v", rec)
	}
	if rec.Extra["cookie"] != "abc" {
		t.Fatalf("expected extra field to round-trip, got %+v", rec.Extra)
	}
}

// TestAcquireExcludingSingleTokenPoolSurfacesNoToken covers §8 "retry never
// reuses" for the degenerate case of a single selectable token: excluding
// it (as a retry loop does with the token it just released) must report
// ErrNoToken rather than handing the same token back.
func TestAcquireExcludingSingleTokenPoolSurfacesNoToken(t *testing.T) {
	p := newTestPool(t, 1, ClassBasic)

	lease, err := p.Acquire(HintBasic)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(lease, TransientFailure(0))

	tried := map[string]bool{lease.TokenID: true}
	if _, err := p.AcquireExcluding(HintBasic, tried); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken when the only selectable token is excluded, got %v", err)
	}

	if _, err := p.Acquire(HintBasic); err != nil {
		t.Fatalf("expected the token to remain selectable for a fresh, unrelated request: %v", err)
	}
}

func TestReconcileResetsStaleTransientFields(t *testing.T) {
	p := New(Options{FailThreshold: 5})
	p.records["old"] = &TokenRecord{
		ID:                  "old",
		Class:               ClassBasic,
		ConsecutiveFailures: 3,
		CoolingOffUntil:     time.Now().Add(time.Hour),
		LastUsedAt:          time.Now().Add(-48 * time.Hour),
	}
	p.reconcile()

	rec, _ := p.Get("old")
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive_failures reset after 24h stale, got %d", rec.ConsecutiveFailures)
	}
	if !rec.CoolingOffUntil.IsZero() {
		t.Fatalf("expected cooling-off reset after 24h stale")
	}
}
