package mediacache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// manifestFile is the on-disk shape of the cache's entry index, persisted
// so a restart doesn't need to re-walk the whole tree to rebuild eviction
// and idempotency bookkeeping.
type manifestFile struct {
	Entries []*entry          `json:"entries"`
	ByURL   map[string]string `json:"by_url,omitempty"`
}

// loadManifest reads the gzip-compressed sidecar, tolerating its absence
// (a fresh cache root).
func (c *Cache) loadManifest() error {
	f, err := os.Open(c.manifest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("mediacache: open manifest: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("mediacache: decompress manifest: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("mediacache: read manifest: %w", err)
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return fmt.Errorf("mediacache: decode manifest: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range mf.Entries {
		key := e.Kind + "/" + e.Name
		c.entries[key] = e
		c.total += e.Bytes
	}
	for urlKey, key := range mf.ByURL {
		c.byURL[urlKey] = key
	}
	return nil
}

// saveManifest atomically rewrites the gzip-compressed sidecar, mirroring
// pkg/cache/json_file.go's SaveJSON tmp-then-rename pattern.
func (c *Cache) saveManifest() error {
	c.mu.Lock()
	mf := manifestFile{ByURL: make(map[string]string, len(c.byURL))}
	for _, key := range c.sortedKeys() {
		mf.Entries = append(mf.Entries, c.entries[key])
	}
	for k, v := range c.byURL {
		mf.ByURL[k] = v
	}
	c.mu.Unlock()

	raw, err := json.Marshal(mf)
	if err != nil {
		return fmt.Errorf("mediacache: encode manifest: %w", err)
	}

	tmp := c.manifest + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("mediacache: create manifest temp: %w", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		f.Close()
		return fmt.Errorf("mediacache: compress manifest: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("mediacache: finalize manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("mediacache: close manifest temp: %w", err)
	}
	if err := os.Rename(tmp, c.manifest); err != nil {
		return fmt.Errorf("mediacache: rename manifest: %w", err)
	}
	return nil
}

// saveManifestBestEffort persists the manifest, logging nothing on
// failure: losing the sidecar only costs a cold-start re-hash, never
// correctness, so callers on the hot Put/Fetch path don't propagate its
// error.
func (c *Cache) saveManifestBestEffort() {
	_ = c.saveManifest()
}
