package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lkarlslund/grokgateway/pkg/gwerror"
)

func TestSSEWriterFraming(t *testing.T) {
	w := httptest.NewRecorder()
	sse, ok := newSSEWriter(w)
	if !ok {
		t.Fatal("expected httptest.ResponseRecorder to satisfy http.Flusher")
	}
	if err := sse.WriteJSON(map[string]string{"hello": "world"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	sse.Done()

	body := w.Body.String()
	if !strings.Contains(body, `data: {"hello":"world"}`+"\n\n") {
		t.Fatalf("expected event frame in body, got %q", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("expected terminal [DONE] frame, got %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream content type, got %q", ct)
	}
}

func TestWriteGatewayErrorMapsStatusAndType(t *testing.T) {
	w := httptest.NewRecorder()
	err := gwerror.New(gwerror.KindPoolEmpty, "no tokens available")
	writeGatewayError(w, err)

	if w.Code != gwerror.New(gwerror.KindPoolEmpty, "").HTTPStatus() {
		t.Fatalf("unexpected status %d", w.Code)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Message != "no tokens available" {
		t.Fatalf("unexpected message %q", body.Error.Message)
	}
}

func TestWriteGatewayErrorFallsBackForPlainErrors(t *testing.T) {
	w := httptest.NewRecorder()
	writeGatewayError(w, errPlain("boom"))
	if w.Code != 502 {
		t.Fatalf("expected 502 for a non-gwerror error, got %d", w.Code)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
