package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
)

// modelCatalog is the static §6.1 Addition model list, a hard-coded set of
// ids; it is not generated from ClassifyChatModel's suffix rules.
var modelCatalog = []string{
	"grok-4-mini-thinking-tahoe",
	"grok-4-heavy",
	"grok-4-thinking",
	"grok-3",
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	entries := make([]openaiapi.ModelEntry, 0, len(modelCatalog))
	for _, id := range modelCatalog {
		entries = append(entries, openaiapi.ModelEntry{ID: id, Object: "model", OwnedBy: "grokgateway"})
	}
	writeJSON(w, http.StatusOK, openaiapi.ModelList{Object: "list", Data: entries})
}

// runFunc is the shape shared by Pipeline.RunChat and the video-request
// adapter built around Pipeline.RunVideo, letting the HTTP handler stay
// agnostic of which upstream transport actually served the request.
type runFunc func(ctx context.Context, emit func(openaiapi.ChatChunk) error) error

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", "malformed request body: "+err.Error())
		return
	}

	var run runFunc
	if isVideoRequest(req) {
		prompt := lastUserText(req)
		run = func(ctx context.Context, emit func(openaiapi.ChatChunk) error) error {
			return s.pipeline.RunVideo(ctx, req, prompt, emit)
		}
	} else {
		run = func(ctx context.Context, emit func(openaiapi.ChatChunk) error) error {
			return s.pipeline.RunChat(ctx, req, emit)
		}
	}

	if req.Stream {
		s.streamChat(w, r, run)
		return
	}
	s.bufferChat(w, r, run)
}

// isVideoRequest applies the §6.1 routing rule: a request carrying
// video_config is a video generation, not a chat turn, and is served by
// RunVideo over the same conversation transport.
func isVideoRequest(req openaiapi.ChatRequest) bool {
	return req.VideoConfig != nil
}

// lastUserText extracts the most recent user message's text, which is the
// prompt RunVideo forwards (original_source builds the video request from
// the latest user turn, not the full transcript).
func lastUserText(req openaiapi.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "user" {
			continue
		}
		var sb strings.Builder
		for _, blk := range req.Messages[i].Blocks() {
			if blk.Type == "text" {
				sb.WriteString(blk.Text)
			}
		}
		return sb.String()
	}
	return ""
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, run runFunc) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, "bad_gateway", "streaming unsupported by this response writer")
		return
	}
	wroteAny := false
	err := run(r.Context(), func(chunk openaiapi.ChatChunk) error {
		wroteAny = true
		return sse.WriteJSON(chunk)
	})
	if err != nil && !wroteAny {
		// Nothing reached the client yet; still within the window where an
		// error status line would be meaningful, but headers are already
		// committed to text/event-stream by newSSEWriter — emit the error
		// as a final SSE event instead of a status code, matching how a
		// streaming client actually observes failures.
		_ = sse.WriteJSON(errorChunk(err))
	}
	sse.Done()
}

func (s *Server) bufferChat(w http.ResponseWriter, r *http.Request, run runFunc) {
	var chunks []openaiapi.ChatChunk
	err := run(r.Context(), func(chunk openaiapi.ChatChunk) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	content := ""
	var last openaiapi.ChatChunk
	for _, c := range chunks {
		last = c
		for _, choice := range c.Choices {
			content += choice.Delta.Content
		}
	}
	resp := map[string]any{
		"id":      last.ID,
		"object":  "chat.completion",
		"created": last.Created,
		"model":   last.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       openaiapi.Message{Role: "assistant", Content: content},
			"finish_reason": "stop",
		}},
	}
	if last.Usage != nil {
		resp["usage"] = last.Usage
	}
	writeJSON(w, http.StatusOK, resp)
}

// errorChunk renders a failed streaming run as one final chunk carrying an
// error delta, since SSE framing has no separate channel for a non-2xx
// status once the event stream has started.
func errorChunk(err error) openaiapi.ChatChunk {
	msg := err.Error()
	return openaiapi.ChatChunk{
		Object: "chat.completion.chunk",
		Choices: []openaiapi.ChatChunkChoice{{
			Delta:        openaiapi.Delta{Content: "\n\n[error: " + msg + "]"},
			FinishReason: strPtr("error"),
		}},
	}
}

func strPtr(s string) *string { return &s }
