package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/fingerprint"
	"github.com/lkarlslund/grokgateway/pkg/pool"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(config.UpstreamConfig{
		BaseURL:    srv.URL,
		UserAgent:  "grokgateway-test/1.0",
		TimeoutSec: 5,
	}, fingerprint.Config{Static: "fp-test"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestDoJSONSetsHeaders(t *testing.T) {
	var gotAuth, gotFP, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotFP = r.Header.Get("X-Antibot-Fingerprint")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"remainingTokens": 42}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.DoJSON(context.Background(), "tok-abc", "/rest/rate-limits", []byte(`{}`))
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Status)
	}
	if gotAuth != "Bearer tok-abc" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
	if gotFP != "fp-test" {
		t.Fatalf("expected static fingerprint header, got %q", gotFP)
	}
	if gotUA != "grokgateway-test/1.0" {
		t.Fatalf("expected configured user agent, got %q", gotUA)
	}
}

func TestDoStreamInvokesHandlerPerChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"event":"delta"}` + "\n"))
		flusher.Flush()
		_, _ = w.Write([]byte(`{"event":"done"}` + "\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var chunks [][]byte
	result, err := c.DoStream(context.Background(), "tok-abc", "/chat", []byte(`{}`), func(b []byte) error {
		cp := append([]byte(nil), b...)
		chunks = append(chunks, cp)
		return nil
	})
	if err != nil {
		t.Fatalf("DoStream: %v", err)
	}
	if result.Status != http.StatusOK {
		t.Fatalf("expected 200, got %d", result.Status)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
}

func TestDoStreamAbortedByHandlerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.WriteHeader(http.StatusOK)
		for i := 0; i < 5; i++ {
			_, _ = w.Write([]byte("chunk\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	wantErr := io.ErrUnexpectedEOF
	calls := 0
	_, err := c.DoStream(context.Background(), "tok-abc", "/chat", []byte(`{}`), func(b []byte) error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to stop being called after first error, got %d calls", calls)
	}
}

func TestDoJSONNonStreamingErrorStatusStillReturnsResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"rate limited"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.DoJSON(context.Background(), "tok-abc", "/chat", []byte(`{}`))
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	gwErr := ClassifyHTTP(resp.Status, resp.Body)
	if gwErr == nil {
		t.Fatalf("expected a classified error for 429")
	}
}

func TestCheckQuotaParsesRemainingTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"remainingTokens": 17, "waitTimeSeconds": 0}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	checker := c.CheckQuota(pool.ClassBasic)
	snapshot, err := checker(context.Background(), "tok-abc")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	window, ok := snapshot[string(pool.ClassBasic)]
	if !ok {
		t.Fatalf("expected a snapshot entry for basic class")
	}
	if window.Remaining != 17 {
		t.Fatalf("expected remaining=17, got %d", window.Remaining)
	}
}

func TestCheckQuotaPropagatesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	checker := c.CheckQuota(pool.ClassBasic)
	_, err := checker(context.Background(), "tok-abc")
	if err == nil {
		t.Fatalf("expected an error from a 401 quota probe")
	}
}

func TestRetryAfterParsesSeconds(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	d := RetryAfter(h)
	if d.Seconds() != 30 {
		t.Fatalf("expected 30s, got %v", d)
	}
}

func TestRetryAfterMissingReturnsZero(t *testing.T) {
	h := http.Header{}
	if d := RetryAfter(h); d != 0 {
		t.Fatalf("expected zero duration for missing header, got %v", d)
	}
}
