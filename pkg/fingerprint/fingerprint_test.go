package fingerprint

import (
	"testing"
	"time"
)

func TestDeriveStaticPassthrough(t *testing.T) {
	cfg := Config{Static: "fp-fixed-123"}
	got, err := Derive(cfg, "tok-1", time.Now())
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if got != "fp-fixed-123" {
		t.Fatalf("expected static fingerprint passthrough, got %q", got)
	}
}

func TestDeriveDeterministicSameBucket(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a, err := Derive(Config{}, "tok-1", now)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	b, err := Derive(Config{}, "tok-1", now.Add(30*time.Second))
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if a != b {
		t.Fatalf("expected same fingerprint within one bucket, got %q vs %q", a, b)
	}

	c, err := Derive(Config{}, "tok-2", now)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if a == c {
		t.Fatalf("expected different tokens to derive different fingerprints")
	}
}

func TestDeriveDynamicUnsupported(t *testing.T) {
	_, err := Derive(Config{DynamicEnabled: true}, "tok-1", time.Now())
	if err != ErrDynamicUnsupported {
		t.Fatalf("expected ErrDynamicUnsupported, got %v", err)
	}
}
