package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/fingerprint"
	"github.com/lkarlslund/grokgateway/pkg/gwerror"
	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/upstream"
)

// fakeMediaCache satisfies translator.MediaCache without touching disk.
type fakeMediaCache struct{}

func (fakeMediaCache) Put(ctx context.Context, kind string, data []byte) (string, error) {
	return "local://" + kind + "/put", nil
}

func (fakeMediaCache) Fetch(ctx context.Context, kind string, remoteURL string) (string, error) {
	return "local://" + kind + "/fetched", nil
}

func newTestPipeline(t *testing.T, handler http.HandlerFunc, tokens ...string) (*Pipeline, *pool.Pool) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	uc, err := upstream.NewClient(config.UpstreamConfig{
		BaseURL:    srv.URL,
		UserAgent:  "test-agent",
		TimeoutSec: 5,
	}, fingerprint.Config{Static: "fp-static"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	p := pool.New(pool.Options{FailThreshold: 5})
	records := make([]pool.TokenRecord, 0, len(tokens))
	for _, id := range tokens {
		records = append(records, pool.TokenRecord{ID: id, Class: pool.ClassBasic})
	}
	p.Import(records)

	retry := config.RetryConfig{
		MaxRetry:           3,
		RetryStatusCodes:   []int{401, 403, 429},
		RetryBackoffBaseMS: 1,
		RetryBackoffFactor: 2.0,
		RetryBackoffMaxMS:  5,
		RetryBudgetMS:      5000,
	}
	tr := config.TranslatorConfig{
		StreamTimeoutSec: 5,
		MediumMinBytes:   10,
		FinalMinBytes:    100,
		FinalTimeoutSec:  5,
	}
	return New(p, uc, retry, tr, fakeMediaCache{}), p
}

func collectChunks(pl *Pipeline, req openaiapi.ChatRequest) ([]openaiapi.ChatChunk, error) {
	var chunks []openaiapi.ChatChunk
	err := pl.RunChat(context.Background(), req, func(c openaiapi.ChatChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	return chunks, err
}

// TestRunChatRetryNeverReusesToken is the §8 testable property: "Retry on
// 429. Two Basic tokens. First upstream call returns 429. Expect second
// attempt to use the other token, not the same one."
func TestRunChatRetryNeverReusesToken(t *testing.T) {
	var mu sync.Mutex
	var usedTokens []string

	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		usedTokens = append(usedTokens, r.Header.Get("Authorization"))
		attempt := len(usedTokens)
		mu.Unlock()

		if attempt == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":{"response":{"token":"hi","isThinking":false}}}` + "\n"))
		w.Write([]byte(`{"result":{"response":{"modelResponse":{}}}}` + "\n"))
	}

	pl, _ := newTestPipeline(t, handler, "tokA", "tokB")
	chunks, err := collectChunks(pl, openaiapi.ChatRequest{
		Model:    "grok-4-1-thinking",
		Messages: []openaiapi.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("RunChat returned error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk, got none")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(usedTokens) != 2 {
		t.Fatalf("expected exactly 2 upstream attempts, got %d (%v)", len(usedTokens), usedTokens)
	}
	if usedTokens[0] == usedTokens[1] {
		t.Fatalf("retry reused the same token: %v", usedTokens)
	}
}

// TestRunChatTwoDistinctAuthFailuresIsTerminal covers §4.2 rule: "401 on two
// distinct tokens is terminal (no third attempt)."
func TestRunChatTwoDistinctAuthFailuresIsTerminal(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	handler := func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid api key"}`))
	}

	pl, _ := newTestPipeline(t, handler, "tokA", "tokB")
	_, err := collectChunks(pl, openaiapi.ChatRequest{
		Model:    "grok-4-1-thinking",
		Messages: []openaiapi.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatalf("expected a terminal error after two distinct auth failures")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (no third), got %d", attempts)
	}
}

// TestRunChatRetryBudgetExhaustionIsUpstreamTimeout covers §4.2's rule:
// once the retry budget elapses, surface upstream_timeout rather than
// retrying forever.
func TestRunChatRetryBudgetExhaustionIsUpstreamTimeout(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		// Each attempt outlasts the 2ms budget, so the first 429 already
		// finds the budget spent.
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}

	pl, _ := newTestPipeline(t, handler, "tokA", "tokB", "tokC")
	pl.Retry.RetryBudgetMS = 2
	pl.Retry.MaxRetry = 50

	_, err := collectChunks(pl, openaiapi.ChatRequest{
		Model:    "grok-4-1-thinking",
		Messages: []openaiapi.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatalf("expected an error once the retry budget is exhausted")
	}
	if ge, ok := gwerror.As(err); !ok || ge.Kind != gwerror.KindUpstreamTimeout {
		t.Fatalf("expected upstream_timeout once the retry budget is exhausted, got %v", err)
	}
}

// TestRunChatSuccessReleasesTokenAsSuccess checks that a clean completion
// does not leave the token disabled or cooling off.
func TestRunChatSuccessReleasesTokenAsSuccess(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"result":{"response":{"token":"hello","isThinking":false}}}` + "\n"))
		w.Write([]byte(`{"result":{"response":{"modelResponse":{}}}}` + "\n"))
	}

	pl, p := newTestPipeline(t, handler, "tokOnly")
	_, err := collectChunks(pl, openaiapi.ChatRequest{
		Model:    "grok-4-1-thinking",
		Messages: []openaiapi.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("RunChat returned error: %v", err)
	}
	rec, ok := p.Get("tokOnly")
	if !ok {
		t.Fatalf("token record vanished")
	}
	if rec.Disabled {
		t.Fatalf("successful call should not disable the token")
	}
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("successful call should reset consecutive failures, got %d", rec.ConsecutiveFailures)
	}
}

// TestRunChatPoolEmptyReturnsPoolEmptyError covers the no-tokens-selectable
// path distinctly from an upstream failure.
func TestRunChatPoolEmptyReturnsPoolEmptyError(t *testing.T) {
	pl, _ := newTestPipeline(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("upstream should never be called when the pool is empty")
	})
	_, err := collectChunks(pl, openaiapi.ChatRequest{
		Model:    "grok-4-1-thinking",
		Messages: []openaiapi.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected a pool_empty error")
	}
}

func TestClassifyVideoRequestTriggersOn720pOrLongDuration(t *testing.T) {
	if got := ClassifyVideoRequest("grok-4-1", &openaiapi.VideoConfig{ResolutionName: "720p"}); got != pool.HintSuperPreferred {
		t.Fatalf("expected SuperPreferred for 720p, got %v", got)
	}
	if got := ClassifyVideoRequest("grok-4-1", &openaiapi.VideoConfig{VideoLength: 8}); got != pool.HintSuperPreferred {
		t.Fatalf("expected SuperPreferred for >6s video, got %v", got)
	}
	if got := ClassifyVideoRequest("grok-4-1", &openaiapi.VideoConfig{ResolutionName: "480p", VideoLength: 3}); got != pool.HintBasic {
		t.Fatalf("expected Basic for short/low-res video, got %v", got)
	}
}

func TestBackoffStateExponentialWithCap(t *testing.T) {
	cfg := config.RetryConfig{RetryBackoffBaseMS: 500, RetryBackoffFactor: 2.0, RetryBackoffMaxMS: 2000, RetryBudgetMS: 90000}
	bs := newBackoffState(cfg, time.Now())
	if d := bs.next(); d != 500*time.Millisecond {
		t.Fatalf("first backoff = %v, want 500ms", d)
	}
	if d := bs.next(); d != 1000*time.Millisecond {
		t.Fatalf("second backoff = %v, want 1000ms", d)
	}
	if d := bs.next(); d != 2000*time.Millisecond {
		t.Fatalf("third backoff = %v, want capped 2000ms", d)
	}
}
