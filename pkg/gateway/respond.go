package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/lkarlslund/grokgateway/pkg/gwerror"
	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorBody(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, openaiapi.ErrorResponse{Error: openaiapi.Error{Message: message, Type: errType}})
}

// writeGatewayError maps a *gwerror.GatewayError to the §7 HTTP status and
// OpenAI-style error body. A client_cancelled error is silent (§7
// propagation policy): the client is already gone, so nothing is written.
func writeGatewayError(w http.ResponseWriter, err error) {
	ge, ok := gwerror.As(err)
	if !ok {
		writeErrorBody(w, http.StatusBadGateway, "bad_gateway", err.Error())
		return
	}
	if ge.Silent() {
		return
	}
	msg := ge.Message
	if msg == "" {
		msg = string(ge.Kind)
	}
	writeErrorBody(w, ge.HTTPStatus(), ge.OpenAIType(), msg)
}

// sseWriter streams Server-Sent Events in the §6.1 framing: "data: <json>"
// per event, a terminal "data: [DONE]", flushed after every write so the
// client sees bytes as they're produced rather than buffered.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) Done() {
	_, _ = s.w.Write([]byte("data: [DONE]\n\n"))
	s.flusher.Flush()
}
