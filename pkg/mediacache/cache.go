// Package mediacache implements the file-backed media cache adapter
// (§6.4): content-addressed storage for generated images/video, serving
// the stream translator's asset resolution and the gateway's media proxy
// routes. Grounded on the teacher's pkg/cache/json_file.go atomic-write
// pattern for its manifest sidecar, and interface-compatible with
// pkg/translator.MediaCache.
package mediacache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// entry is one cached item's bookkeeping record.
type entry struct {
	Kind    string    `json:"kind"`
	Name    string    `json:"name"`
	Bytes   int64     `json:"bytes"`
	AddedAt time.Time `json:"added_at"`
}

// CacheStats is the Stat() result (§6.4).
type CacheStats struct {
	TotalBytes int64                   `json:"total_bytes"`
	ItemCount  int                     `json:"item_count"`
	ByKind     map[string]KindStats    `json:"by_kind"`
}

// KindStats is one kind's contribution to CacheStats.
type KindStats struct {
	Bytes int64 `json:"bytes"`
	Count int   `json:"count"`
}

// Cache is a SHA-256-content-addressed, disk-backed media store with
// size-bounded eviction of the oldest-added entries. All mutating
// operations are serialized by mu,
// matching §6.4's "eviction ... serialized by a single mutex".
type Cache struct {
	root     string
	maxBytes int64
	client   *http.Client

	mu       sync.Mutex
	entries  map[string]*entry // key: kind + "/" + name
	byURL    map[string]string // remote URL sha256 -> key, for Fetch idempotency
	total    int64
	manifest string
}

// New opens (or creates) a cache rooted at root, enforcing maxBytes by
// evicting the oldest-added entries inside Put. Reads do not affect
// eviction order. A zero maxBytes disables eviction.
func New(root string, maxBytes int64) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("mediacache: root is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("mediacache: mkdir root: %w", err)
	}
	c := &Cache{
		root:     root,
		maxBytes: maxBytes,
		client:   &http.Client{Timeout: 30 * time.Second},
		entries:  make(map[string]*entry),
		byURL:    make(map[string]string),
		manifest: filepath.Join(root, "manifest.json.gz"),
	}
	if err := c.loadManifest(); err != nil {
		return nil, err
	}
	return c, nil
}

// Put stores data content-addressed under kind, returning a stable proxy
// URL. Re-Putting identical bytes is idempotent: it returns the same URL
// without a second disk write (§6.4, §8 "media URL stability").
func (c *Cache) Put(ctx context.Context, kind string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:]) + extFor(data)
	key := kind + "/" + name

	c.mu.Lock()
	_, exists := c.entries[key]
	c.mu.Unlock()
	if exists {
		return assetURL(kind, name), nil
	}

	dir := filepath.Join(c.root, kind)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("mediacache: mkdir %s: %w", kind, err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("mediacache: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("mediacache: rename: %w", err)
	}

	c.mu.Lock()
	c.entries[key] = &entry{Kind: kind, Name: name, Bytes: int64(len(data)), AddedAt: time.Now().UTC()}
	c.total += int64(len(data))
	over := c.maxBytes > 0 && c.total > c.maxBytes
	c.mu.Unlock()
	c.saveManifestBestEffort()

	if over {
		c.evictLocked()
	}
	return assetURL(kind, name), nil
}

// Fetch downloads remoteURL once, caching its bytes under kind the same
// way Put does, and returns the stable proxy URL on every subsequent call
// for the same remoteURL without re-downloading (the video pipeline calls
// Fetch once per streamed asset URL, which can recur across retries).
func (c *Cache) Fetch(ctx context.Context, kind string, remoteURL string) (string, error) {
	urlKey := sha256Hex([]byte(remoteURL))
	c.mu.Lock()
	if key, ok := c.byURL[urlKey]; ok {
		if e, ok := c.entries[key]; ok {
			c.mu.Unlock()
			return assetURL(e.Kind, e.Name), nil
		}
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remoteURL, nil)
	if err != nil {
		return "", fmt.Errorf("mediacache: build fetch request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mediacache: fetch %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("mediacache: fetch %s: status %d", remoteURL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("mediacache: read fetched body: %w", err)
	}

	url, err := c.Put(ctx, kind, data)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.byURL[urlKey] = kind + "/" + path.Base(url)
	c.mu.Unlock()
	c.saveManifestBestEffort()
	return url, nil
}

// Get reads back a previously stored item's bytes and inferred
// Content-Type, for the gateway's media proxy route (§6.3). Returns
// os.ErrNotExist-wrapping error if name isn't a known cached item, so the
// handler can 404 rather than read arbitrary paths under root.
func (c *Cache) Get(kind, name string) ([]byte, string, error) {
	key := kind + "/" + name
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("mediacache: %w", os.ErrNotExist)
	}
	data, err := os.ReadFile(filepath.Join(c.root, kind, name))
	if err != nil {
		return nil, "", fmt.Errorf("mediacache: read %s: %w", key, err)
	}
	return data, http.DetectContentType(data), nil
}

// Stat reports total size, item count, and a per-kind breakdown.
func (c *Cache) Stat() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{TotalBytes: c.total, ItemCount: len(c.entries), ByKind: map[string]KindStats{}}
	for _, e := range c.entries {
		ks := stats.ByKind[e.Kind]
		ks.Bytes += e.Bytes
		ks.Count++
		stats.ByKind[e.Kind] = ks
	}
	return stats
}

// Clear deletes every cached item of the given kind, or every item if kind
// is empty.
func (c *Cache) Clear(kind string) error {
	c.mu.Lock()
	var toDelete []string
	for key, e := range c.entries {
		if kind == "" || e.Kind == kind {
			toDelete = append(toDelete, key)
		}
	}
	c.mu.Unlock()

	for _, key := range toDelete {
		c.removeLocked(key)
	}
	c.saveManifestBestEffort()
	return nil
}

func (c *Cache) removeLocked(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.total -= e.Bytes
	c.mu.Unlock()

	_ = os.Remove(filepath.Join(c.root, e.Kind, e.Name))
}

// evictLocked removes the oldest entries (by AddedAt) until the cache is
// back under maxBytes, serialized by mu per §6.4.
func (c *Cache) evictLocked() {
	for {
		c.mu.Lock()
		if c.maxBytes <= 0 || c.total <= c.maxBytes || len(c.entries) == 0 {
			c.mu.Unlock()
			return
		}
		oldestKey := ""
		var oldestAt time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.AddedAt.Before(oldestAt) {
				oldestKey, oldestAt = key, e.AddedAt
			}
		}
		c.mu.Unlock()
		if oldestKey == "" {
			return
		}
		c.removeLocked(oldestKey)
	}
}

func assetURL(kind, name string) string {
	return "/v1/files/" + kind + "/" + name
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// extFor infers a file extension from content, never from caller-supplied
// metadata, matching §6.3's "Content-Type inferred from file magic bytes,
// never from the request".
func extFor(data []byte) string {
	ct := http.DetectContentType(data)
	switch {
	case ct == "image/png":
		return ".png"
	case ct == "image/jpeg":
		return ".jpg"
	case ct == "image/webp":
		return ".webp"
	case ct == "video/mp4" || ct == "video/webm":
		return ".mp4"
	default:
		return ".bin"
	}
}

// sortedKeys is used only by manifest serialization to produce a stable
// on-disk order, making repeated saves of unchanged state byte-identical.
func (c *Cache) sortedKeys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
