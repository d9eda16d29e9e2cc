package mediacache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestPutIsIdempotentByContent covers §8's "media URL stability": re-Put of
// identical bytes returns the same URL.
func TestPutIsIdempotentByContent(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data := []byte("\x89PNG\r\n\x1a\nsome fake png bytes")

	url1, err := c.Put(context.Background(), "image", data)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	url2, err := c.Put(context.Background(), "image", data)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if url1 != url2 {
		t.Fatalf("expected stable URL across identical Puts, got %q vs %q", url1, url2)
	}

	stats := c.Stat()
	if stats.ItemCount != 1 {
		t.Fatalf("expected exactly one stored item despite two Puts, got %d", stats.ItemCount)
	}
}

func TestPutDistinctBytesGetDistinctURLs(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url1, _ := c.Put(context.Background(), "image", []byte("aaa"))
	url2, _ := c.Put(context.Background(), "image", []byte("bbb"))
	if url1 == url2 {
		t.Fatalf("expected distinct content to get distinct URLs")
	}
}

// TestFetchIsIdempotentByURL covers the video-asset path: repeated Fetch
// calls for the same remote URL must not re-download or duplicate storage.
func TestFetchIsIdempotentByURL(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("video bytes"))
	}))
	defer srv.Close()

	c, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	url1, err := c.Fetch(context.Background(), "video", srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	url2, err := c.Fetch(context.Background(), "video", srv.URL)
	if err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if url1 != url2 {
		t.Fatalf("expected stable URL across repeated Fetch of the same remote URL")
	}
	if hits != 1 {
		t.Fatalf("expected exactly one upstream download, got %d", hits)
	}
}

// TestEvictionKeepsCacheUnderBudget covers §6.4's bounded eviction, which
// removes the oldest-added entry first.
func TestEvictionKeepsCacheUnderBudget(t *testing.T) {
	c, err := New(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put(context.Background(), "image", []byte("0123456789"))
	c.Put(context.Background(), "image", []byte("abcdefghij"))

	stats := c.Stat()
	if stats.TotalBytes > 10 {
		t.Fatalf("expected eviction to keep total bytes <= budget, got %d", stats.TotalBytes)
	}
	if stats.ItemCount != 1 {
		t.Fatalf("expected exactly one survivor after eviction, got %d", stats.ItemCount)
	}
}

func TestClearRemovesOnlyRequestedKind(t *testing.T) {
	c, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put(context.Background(), "image", []byte("imgbytes"))
	c.Put(context.Background(), "video", []byte("vidbytes"))

	if err := c.Clear("image"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	stats := c.Stat()
	if _, ok := stats.ByKind["image"]; ok {
		t.Fatalf("expected image kind to be fully cleared")
	}
	if _, ok := stats.ByKind["video"]; !ok {
		t.Fatalf("expected video kind to survive a Clear(\"image\")")
	}
}

// TestReopenLoadsPersistedManifest checks the gzip-compressed sidecar
// survives a process restart (a fresh *Cache over the same root).
func TestReopenLoadsPersistedManifest(t *testing.T) {
	root := t.TempDir()
	c1, err := New(root, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	url, err := c1.Put(context.Background(), "image", []byte("persisted"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	c2, err := New(root, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	stats := c2.Stat()
	if stats.ItemCount != 1 {
		t.Fatalf("expected reopened cache to recover 1 item from the manifest, got %d", stats.ItemCount)
	}
	url2, err := c2.Put(context.Background(), "image", []byte("persisted"))
	if err != nil {
		t.Fatalf("Put after reopen: %v", err)
	}
	if url != url2 {
		t.Fatalf("expected the same content to resolve to the same URL after reopen")
	}
}
