package pool

import (
	"context"
	"testing"
	"time"
)

// TestRefreshNowDedupesWithinWindow covers the RefreshDedupe knob: two
// RefreshNow calls for the same token within the dedupe window must hit the
// upstream checker only once.
func TestRefreshNowDedupesWithinWindow(t *testing.T) {
	p := New(Options{FailThreshold: 5, RefreshDedupe: time.Hour})
	p.records["a"] = &TokenRecord{ID: "a", Class: ClassBasic, Version: 1}

	calls := 0
	check := func(ctx context.Context, id string) (map[string]QuotaWindow, error) {
		calls++
		return map[string]QuotaWindow{"grok-3": {Remaining: 10}}, nil
	}

	if err := p.RefreshNow(context.Background(), "a", check); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := p.RefreshNow(context.Background(), "a", check); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the upstream checker to be called once, got %d", calls)
	}

	rec := p.records["a"]
	if rec.QuotaSnapshot["grok-3"].Remaining != 10 {
		t.Fatalf("expected the cached snapshot to still be applied, got %+v", rec.QuotaSnapshot)
	}
}

// TestRefreshNowSkipsDedupeWhenDisabled covers the zero-value default: no
// RefreshDedupe means every call reaches the upstream checker.
func TestRefreshNowSkipsDedupeWhenDisabled(t *testing.T) {
	p := New(Options{FailThreshold: 5})
	p.records["a"] = &TokenRecord{ID: "a", Class: ClassBasic, Version: 1}

	calls := 0
	check := func(ctx context.Context, id string) (map[string]QuotaWindow, error) {
		calls++
		return map[string]QuotaWindow{}, nil
	}

	_ = p.RefreshNow(context.Background(), "a", check)
	_ = p.RefreshNow(context.Background(), "a", check)
	if calls != 2 {
		t.Fatalf("expected both calls to reach the upstream checker, got %d", calls)
	}
}
