package pipeline

import (
	"math"
	"time"

	"github.com/lkarlslund/grokgateway/pkg/config"
)

// backoffState tracks one request's retry budget and attempt count across
// the §4.2 retry policy.
type backoffState struct {
	cfg        config.RetryConfig
	started    time.Time
	attempts   int
	lastAuthed bool // never set; RunChat counts distinct 401s in distinctAuthFailures
}

func newBackoffState(cfg config.RetryConfig, now time.Time) *backoffState {
	return &backoffState{cfg: cfg, started: now}
}

// exhausted reports whether the retry budget (retry_budget_ms) has run out
// as of now.
func (b *backoffState) exhausted(now time.Time) bool {
	return now.Sub(b.started) >= time.Duration(b.cfg.RetryBudgetMS)*time.Millisecond
}

// next returns the backoff duration before the next attempt and increments
// the attempt counter. Exponential: base * factor^attempt, capped.
func (b *backoffState) next() time.Duration {
	base := time.Duration(b.cfg.RetryBackoffBaseMS) * time.Millisecond
	max := time.Duration(b.cfg.RetryBackoffMaxMS) * time.Millisecond
	d := time.Duration(float64(base) * math.Pow(b.cfg.RetryBackoffFactor, float64(b.attempts)))
	b.attempts++
	if d > max {
		return max
	}
	return d
}

// maxAttemptsReached reports whether max_retry has been exhausted.
func (b *backoffState) maxAttemptsReached() bool {
	return b.attempts > b.cfg.MaxRetry
}

// isRetryableStatus reports whether status is in retry_status_codes.
func isRetryableStatus(status int, codes []int) bool {
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}
