package config

import (
	"path/filepath"
	"testing"
)

func TestNewDefaultIsValid(t *testing.T) {
	c := NewDefault()
	c.Upstream.BaseURL = "https://grok.example.com"
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if c.Pool.FailThreshold != 5 {
		t.Fatalf("expected default fail_threshold 5, got %d", c.Pool.FailThreshold)
	}
	if c.Pool.SaveDelayMS != 500 {
		t.Fatalf("expected default save_delay_ms 500, got %d", c.Pool.SaveDelayMS)
	}
	want := []int{401, 403, 429}
	if len(c.Retry.RetryStatusCodes) != len(want) {
		t.Fatalf("unexpected retry status codes: %v", c.Retry.RetryStatusCodes)
	}
	for i, v := range want {
		if c.Retry.RetryStatusCodes[i] != v {
			t.Fatalf("unexpected retry status codes: %v", c.Retry.RetryStatusCodes)
		}
	}
}

func TestValidateRejectsBadTagFilter(t *testing.T) {
	c := NewDefault()
	c.Upstream.BaseURL = "https://grok.example.com"
	c.Translator.TagFilter = []string{"ok", "   "}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for blank tag filter entry")
	}
}

func TestValidateRequiresUpstreamBaseURL(t *testing.T) {
	c := NewDefault()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for missing upstream base_url")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	c := NewDefault()
	c.Upstream.BaseURL = "https://grok.example.com"
	c.Pool.FailThreshold = 9
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Pool.FailThreshold != 9 {
		t.Fatalf("expected fail_threshold 9 after round trip, got %d", loaded.Pool.FailThreshold)
	}
	if loaded.Upstream.BaseURL != c.Upstream.BaseURL {
		t.Fatalf("upstream base_url mismatch after round trip")
	}
}

func TestLoadOrCreateCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	c, err := LoadOrCreate(path, "https://grok.example.com")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if c.Upstream.BaseURL != "https://grok.example.com" {
		t.Fatalf("expected default upstream base_url to be set")
	}

	c2, err := LoadOrCreate(path, "https://ignored.example.com")
	if err != nil {
		t.Fatalf("LoadOrCreate (existing): %v", err)
	}
	if c2.Upstream.BaseURL != "https://grok.example.com" {
		t.Fatalf("expected existing config to be preserved, got %q", c2.Upstream.BaseURL)
	}
}
