package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/fingerprint"
	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/upstream"
)

var wsUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newImageTestPipeline spins up an httptest server upgraded to a WS
// connection that plays back a scripted sequence of frames, then wires a
// Pipeline whose upstream.Client dials it (WSBaseURL rewritten to ws://).
func newImageTestPipeline(t *testing.T, frames []string) *Pipeline {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() // drain the request frame
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	uc, err := upstream.NewClient(config.UpstreamConfig{
		BaseURL:    srv.URL,
		WSBaseURL:  wsURL,
		UserAgent:  "test-agent",
		TimeoutSec: 5,
	}, fingerprint.Config{Static: "fp-static"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	p := pool.New(pool.Options{FailThreshold: 5})
	p.Import([]pool.TokenRecord{{ID: "imgtok", Class: pool.ClassBasic}})

	retry := config.RetryConfig{MaxRetry: 3, RetryStatusCodes: []int{401, 403, 429}, RetryBackoffBaseMS: 1, RetryBackoffFactor: 2.0, RetryBackoffMaxMS: 5, RetryBudgetMS: 5000}
	tr := config.TranslatorConfig{MediumMinBytes: 4, FinalMinBytes: 20, FinalTimeoutSec: 5}
	return New(p, uc, retry, tr, fakeMediaCache{})
}

func TestRunImagePreviewMediumFinalSequence(t *testing.T) {
	small := `{"type":"image","url":"https://assets.grok.com/users/u/generated/abc.png","blob":"` + strings.Repeat("a", 2) + `"}`
	medium := `{"type":"image","url":"https://assets.grok.com/users/u/generated/abc.png","blob":"` + strings.Repeat("b", 10) + `"}`
	final := `{"type":"image","url":"https://assets.grok.com/users/u/generated/abc.png","blob":"` + strings.Repeat("c", 25) + `"}`

	pl := newImageTestPipeline(t, []string{small, medium, final})

	var items []openaiapi.ImageItem
	err := pl.RunImage(context.Background(), openaiapi.ImageGenerationRequest{
		Model:  "grok-4-1",
		Prompt: "a castle",
		N:      1,
	}, func(item openaiapi.ImageItem) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		t.Fatalf("RunImage returned error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 emitted checkpoints (medium + final), got %d", len(items))
	}
	for _, it := range items {
		if it.URL == "" {
			t.Fatalf("expected every emitted item to carry a resolved URL")
		}
	}
}

// TestRunImageClampsNToNonStreamCeiling covers §6.1: a non-streaming request
// asking for far more images than the ceiling allows must stop collecting at
// maxImagesNonStream, not drive one collection loop per requested image.
func TestRunImageClampsNToNonStreamCeiling(t *testing.T) {
	frames := make([]string, 0, maxImagesNonStream+5)
	for i := 0; i < maxImagesNonStream+5; i++ {
		frames = append(frames, `{"type":"image","url":"https://assets.grok.com/users/u/images/img`+string(rune('a'+i))+`.png","blob":"`+strings.Repeat("c", 25)+`"}`)
	}
	pl := newImageTestPipeline(t, frames)

	var items []openaiapi.ImageItem
	err := pl.RunImage(context.Background(), openaiapi.ImageGenerationRequest{
		Model:  "grok-4-1",
		Prompt: "a castle",
		N:      1000,
	}, func(item openaiapi.ImageItem) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		t.Fatalf("RunImage returned error: %v", err)
	}
	if len(items) != maxImagesNonStream {
		t.Fatalf("expected n clamped to %d, got %d emitted items", maxImagesNonStream, len(items))
	}
}

// TestRunImageClampsNToStreamCeiling covers §6.1's tighter streaming ceiling.
func TestRunImageClampsNToStreamCeiling(t *testing.T) {
	frames := make([]string, 0, maxImagesStream+5)
	for i := 0; i < maxImagesStream+5; i++ {
		frames = append(frames, `{"type":"image","url":"https://assets.grok.com/users/u/images/img`+string(rune('a'+i))+`.png","blob":"`+strings.Repeat("c", 25)+`"}`)
	}
	pl := newImageTestPipeline(t, frames)

	var items []openaiapi.ImageItem
	err := pl.RunImage(context.Background(), openaiapi.ImageGenerationRequest{
		Model:  "grok-4-1",
		Prompt: "a castle",
		N:      1000,
		Stream: true,
	}, func(item openaiapi.ImageItem) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		t.Fatalf("RunImage returned error: %v", err)
	}
	if len(items) != maxImagesStream {
		t.Fatalf("expected n clamped to %d, got %d emitted items", maxImagesStream, len(items))
	}
}

func TestRunImageErrorFrameIsTerminal(t *testing.T) {
	errFrame := `{"type":"error","err_code":"content_policy","err_msg":"blocked"}`
	pl := newImageTestPipeline(t, []string{errFrame})

	err := pl.RunImage(context.Background(), openaiapi.ImageGenerationRequest{
		Model:  "grok-4-1",
		Prompt: "anything",
		N:      1,
	}, func(item openaiapi.ImageItem) error { return nil })
	if err == nil {
		t.Fatalf("expected an error frame to terminate the session")
	}
}
