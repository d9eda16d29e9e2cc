// Package config owns the gateway's static configuration: a single TOML
// file loaded once at startup (§10 — hot-reload is explicitly out of
// scope). The file layout, atomic-write helper, and Normalize/Validate
// split are grounded on the teacher's pkg/config/config.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// PoolConfig configures the token pool manager (§4.1).
type PoolConfig struct {
	FailThreshold             int    `toml:"fail_threshold"`
	RefreshIntervalHours      int    `toml:"refresh_interval_hours"`
	SuperRefreshIntervalHours int    `toml:"super_refresh_interval_hours"`
	UsageConcurrent           int    `toml:"usage_concurrent"`
	SaveDelayMS               int    `toml:"save_delay_ms"`
	ReloadIntervalSec         int    `toml:"reload_interval_sec"`
	PersistPath               string `toml:"persist_path"`

	// RefreshDedupeMS bounds how often an on-demand quota refresh
	// (RefreshNow) will actually hit the upstream for the same token id;
	// repeat calls within the window return the cached outcome instead.
	// Guards against an admin retriggering refresh_usage, or the batch
	// engine and the periodic refresh loop racing on the same token.
	RefreshDedupeMS int `toml:"refresh_dedupe_ms"`
}

// RetryConfig configures the upstream request pipeline's retry policy
// (§4.2).
type RetryConfig struct {
	MaxRetry           int     `toml:"max_retry"`
	RetryStatusCodes   []int   `toml:"retry_status_codes"`
	RetryBackoffBaseMS int     `toml:"retry_backoff_base_ms"`
	RetryBackoffFactor float64 `toml:"retry_backoff_factor"`
	RetryBackoffMaxMS  int     `toml:"retry_backoff_max_ms"`
	RetryBudgetMS      int     `toml:"retry_budget_ms"`
}

// TranslatorConfig configures the stream translator (§4.3).
type TranslatorConfig struct {
	TagFilter             []string `toml:"tag_filter"`
	StreamTimeoutSec      int      `toml:"stream_timeout_sec"`
	VideoStreamTimeoutSec int      `toml:"video_stream_timeout_sec"`
	ImageStreamTimeoutSec int      `toml:"image_stream_timeout_sec"`
	MediumMinBytes        int      `toml:"medium_min_bytes"`
	FinalMinBytes         int      `toml:"final_min_bytes"`
	FinalTimeoutSec       int      `toml:"final_timeout_sec"`
}

// BatchConfig configures the batch job engine's per-kind concurrency
// (§4.4).
type BatchConfig struct {
	RefreshUsageConcurrent      int `toml:"refresh_usage_concurrent"`
	EnableContentModeConcurrent int `toml:"enable_content_mode_concurrent"`
	ListAssetsConcurrent        int `toml:"list_assets_concurrent"`
	PurgeAssetsConcurrent       int `toml:"purge_assets_concurrent"`
	ProgressEveryN              int `toml:"progress_every_n"`
	ProgressIntervalMS          int `toml:"progress_interval_ms"`
}

// MediaCacheConfig configures the media cache adapter (§6.4).
type MediaCacheConfig struct {
	Root     string `toml:"root"`
	MaxBytes int64  `toml:"max_bytes"`
}

// UpstreamConfig configures the HTTP/WS client to the upstream (§6.7).
type UpstreamConfig struct {
	BaseURL         string `toml:"base_url"`
	WSBaseURL       string `toml:"ws_base_url"`
	UserAgent       string `toml:"user_agent"`
	ClearanceCookie string `toml:"clearance_cookie"`
	ProxyURL        string `toml:"proxy_url"`
	TimeoutSec      int    `toml:"timeout_sec"`
}

// FingerprintConfig configures anti-bot fingerprint derivation (§4.2, §9).
type FingerprintConfig struct {
	Static         string `toml:"static"`
	DynamicEnabled bool   `toml:"dynamic_enabled"`
}

// AuthConfig configures Bearer-token gating for the public and admin
// surfaces (§6.1, §6.2).
type AuthConfig struct {
	APIKey      string `toml:"api_key"`
	AdminAPIKey string `toml:"admin_api_key"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// GatewayConfig is the full, loaded-once configuration value.
type GatewayConfig struct {
	Server      ServerConfig      `toml:"server"`
	Pool        PoolConfig        `toml:"pool"`
	Retry       RetryConfig       `toml:"retry"`
	Translator  TranslatorConfig  `toml:"translator"`
	Batch       BatchConfig       `toml:"batch"`
	MediaCache  MediaCacheConfig  `toml:"media_cache"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Fingerprint FingerprintConfig `toml:"fingerprint"`
	Auth        AuthConfig        `toml:"auth"`
	LogLevel    string            `toml:"log_level"`
}

// NewDefault returns a GatewayConfig with every default named in the spec
// already applied.
func NewDefault() *GatewayConfig {
	c := &GatewayConfig{}
	c.Normalize()
	return c
}

// Normalize fills in every default described by the spec. Safe to call
// repeatedly.
func (c *GatewayConfig) Normalize() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Pool.FailThreshold <= 0 {
		c.Pool.FailThreshold = 5
	}
	if c.Pool.RefreshIntervalHours <= 0 {
		c.Pool.RefreshIntervalHours = 6
	}
	if c.Pool.SuperRefreshIntervalHours <= 0 {
		c.Pool.SuperRefreshIntervalHours = 6
	}
	if c.Pool.UsageConcurrent <= 0 {
		c.Pool.UsageConcurrent = 10
	}
	if c.Pool.SaveDelayMS <= 0 {
		c.Pool.SaveDelayMS = 500
	}
	if c.Pool.ReloadIntervalSec <= 0 {
		c.Pool.ReloadIntervalSec = 30
	}
	if strings.TrimSpace(c.Pool.PersistPath) == "" {
		c.Pool.PersistPath = DefaultTokenCatalogPath()
	}
	if c.Pool.RefreshDedupeMS <= 0 {
		c.Pool.RefreshDedupeMS = 2000
	}

	if c.Retry.MaxRetry <= 0 {
		c.Retry.MaxRetry = 3
	}
	if len(c.Retry.RetryStatusCodes) == 0 {
		c.Retry.RetryStatusCodes = []int{401, 403, 429}
	}
	if c.Retry.RetryBackoffBaseMS <= 0 {
		c.Retry.RetryBackoffBaseMS = 500
	}
	if c.Retry.RetryBackoffFactor <= 0 {
		c.Retry.RetryBackoffFactor = 2.0
	}
	if c.Retry.RetryBackoffMaxMS <= 0 {
		c.Retry.RetryBackoffMaxMS = 30_000
	}
	if c.Retry.RetryBudgetMS <= 0 {
		c.Retry.RetryBudgetMS = 90_000
	}

	if len(c.Translator.TagFilter) == 0 {
		c.Translator.TagFilter = []string{"xaiartifact", "xai:tool_usage_card", "grok:render", "grok:citation"}
	}
	if c.Translator.StreamTimeoutSec <= 0 {
		c.Translator.StreamTimeoutSec = 60
	}
	if c.Translator.VideoStreamTimeoutSec <= 0 {
		c.Translator.VideoStreamTimeoutSec = 120
	}
	if c.Translator.ImageStreamTimeoutSec <= 0 {
		c.Translator.ImageStreamTimeoutSec = 90
	}
	if c.Translator.MediumMinBytes <= 0 {
		c.Translator.MediumMinBytes = 8 * 1024
	}
	if c.Translator.FinalMinBytes <= 0 {
		c.Translator.FinalMinBytes = 64 * 1024
	}
	if c.Translator.FinalTimeoutSec <= 0 {
		c.Translator.FinalTimeoutSec = 20
	}

	if c.Batch.RefreshUsageConcurrent <= 0 {
		c.Batch.RefreshUsageConcurrent = 10
	}
	if c.Batch.EnableContentModeConcurrent <= 0 {
		c.Batch.EnableContentModeConcurrent = 10
	}
	if c.Batch.ListAssetsConcurrent <= 0 {
		c.Batch.ListAssetsConcurrent = 20
	}
	if c.Batch.PurgeAssetsConcurrent <= 0 {
		c.Batch.PurgeAssetsConcurrent = 20
	}
	if c.Batch.ProgressEveryN <= 0 {
		c.Batch.ProgressEveryN = 10
	}
	if c.Batch.ProgressIntervalMS <= 0 {
		c.Batch.ProgressIntervalMS = 250
	}

	if strings.TrimSpace(c.MediaCache.Root) == "" {
		c.MediaCache.Root = DefaultMediaCacheRoot()
	}
	if c.MediaCache.MaxBytes <= 0 {
		c.MediaCache.MaxBytes = 10 << 30 // 10 GiB
	}

	if strings.TrimSpace(c.Upstream.UserAgent) == "" {
		c.Upstream.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if c.Upstream.TimeoutSec <= 0 {
		c.Upstream.TimeoutSec = 120
	}

	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configuration values that Normalize cannot safely
// default away.
func (c *GatewayConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Pool.FailThreshold <= 0 {
		return fmt.Errorf("pool.fail_threshold must be positive")
	}
	if c.Pool.UsageConcurrent <= 0 {
		return fmt.Errorf("pool.usage_concurrent must be positive")
	}
	if c.Retry.MaxRetry < 0 {
		return fmt.Errorf("retry.max_retry must not be negative")
	}
	if c.Retry.RetryBackoffFactor <= 1.0 {
		return fmt.Errorf("retry.retry_backoff_factor must be > 1.0")
	}
	for _, tag := range c.Translator.TagFilter {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("translator.tag_filter contains an empty entry")
		}
	}
	if c.Translator.FinalMinBytes < c.Translator.MediumMinBytes {
		return fmt.Errorf("translator.final_min_bytes must be >= medium_min_bytes")
	}
	if c.Batch.RefreshUsageConcurrent <= 0 || c.Batch.EnableContentModeConcurrent <= 0 ||
		c.Batch.ListAssetsConcurrent <= 0 || c.Batch.PurgeAssetsConcurrent <= 0 {
		return fmt.Errorf("batch concurrency settings must be positive")
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	return nil
}

func (c PoolConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalHours) * time.Hour
}

func (c PoolConfig) SuperRefreshInterval() time.Duration {
	return time.Duration(c.SuperRefreshIntervalHours) * time.Hour
}

func (c PoolConfig) RefreshDedupe() time.Duration {
	return time.Duration(c.RefreshDedupeMS) * time.Millisecond
}

func (c PoolConfig) SaveDelay() time.Duration {
	return time.Duration(c.SaveDelayMS) * time.Millisecond
}

func (c PoolConfig) ReloadInterval() time.Duration {
	return time.Duration(c.ReloadIntervalSec) * time.Second
}

func (c RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

func (c RetryConfig) BackoffMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxMS) * time.Millisecond
}

func (c RetryConfig) Budget() time.Duration {
	return time.Duration(c.RetryBudgetMS) * time.Millisecond
}

func (c BatchConfig) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMS) * time.Millisecond
}

// DefaultConfigDir returns ~/.config/grokgateway (or a temp fallback).
func DefaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "grokgateway")
	}
	return filepath.Join(os.TempDir(), "grokgateway")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.toml")
}

func DefaultTokenCatalogPath() string {
	return filepath.Join(DefaultConfigDir(), "tokens.json")
}

func DefaultMediaCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil && dir != "" {
		return filepath.Join(dir, "grokgateway", "media")
	}
	return filepath.Join(os.TempDir(), "grokgateway", "media")
}

// Load reads and parses a GatewayConfig from path, normalizing and
// validating it before returning.
func Load(path string) (*GatewayConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c GatewayConfig
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadOrCreate loads path, creating it (with NewDefault plus the given
// upstream base URL) if it does not exist.
func LoadOrCreate(path string, defaultUpstreamBaseURL string) (*GatewayConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		c := NewDefault()
		c.Upstream.BaseURL = defaultUpstreamBaseURL
		if err := Save(path, c); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return c, nil
	}
	return Load(path)
}

// Save atomically writes c to path as TOML (tmp file + rename), mirroring
// the teacher's writeAtomic helper.
func Save(path string, c *GatewayConfig) error {
	b, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, b, 0o600)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config file: %w", err)
	}
	return nil
}
