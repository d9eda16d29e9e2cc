// Package fingerprint derives the anti-bot fingerprint header the upstream
// uses to identify non-browser clients (§4.2, GLOSSARY). Per §9's Open
// Question resolution, only the static derivation path is implemented; the
// source's alternate JS-evaluated dynamic path is left as an unimplemented,
// config-gated extension.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// bucketWidth sizes the "now_bucket" component of the deterministic
// derivation (§4.2: "seeded by (token_id, now_bucket)"). A coarse bucket
// keeps the fingerprint stable across a short burst of requests from the
// same token while still rotating periodically.
const bucketWidth = 10 * time.Minute

// ErrDynamicUnsupported is returned by Derive when dynamic_enabled is set
// but no dynamic derivation is implemented (§9 Open Question).
var ErrDynamicUnsupported = fmt.Errorf("fingerprint: dynamic derivation is not implemented")

// Config mirrors config.FingerprintConfig without creating an import
// dependency from this leaf package back up to pkg/config.
type Config struct {
	Static         string
	DynamicEnabled bool
}

// Derive returns the anti-bot fingerprint header value for one upstream
// request. If cfg.Static is set, it is returned unchanged (the "static
// configured value" path from §4.2). Otherwise a deterministic
// per-request value is derived from (tokenID, now bucketed to
// bucketWidth), matching "a deterministic per-request derivation seeded by
// (token_id, now_bucket)".
func Derive(cfg Config, tokenID string, now time.Time) (string, error) {
	if cfg.DynamicEnabled {
		return "", ErrDynamicUnsupported
	}
	if cfg.Static != "" {
		return cfg.Static, nil
	}
	return deterministic(tokenID, now), nil
}

func deterministic(tokenID string, now time.Time) string {
	bucket := now.UTC().Truncate(bucketWidth).Unix()
	h := sha256.New()
	h.Write([]byte(tokenID))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", bucket)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
