package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/lkarlslund/grokgateway/pkg/openaiapi"
)

func (s *Server) handleImagesGenerations(w http.ResponseWriter, r *http.Request) {
	var req openaiapi.ImageGenerationRequest
	if err := decodeJSONOrForm(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	s.runImages(w, r, req)
}

// handleImagesEdits parses the multipart/form-data body (§6.1 table: "same
// fields plus image file"). The uploaded image is read but not forwarded
// into the upstream Imagine WebSocket session: the retrieval pack's
// ImagineWebSocketReverse only grounds pure text-to-image requests, with
// no reverse-engineered edit/variation frame shape to build on, so an edit
// request degrades to prompt-only generation rather than inventing an
// ungrounded wire format. Documented in DESIGN.md.
func (s *Server) handleImagesEdits(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", "malformed multipart body: "+err.Error())
		return
	}
	req := openaiapi.ImageGenerationRequest{
		Model:          r.FormValue("model"),
		Prompt:         r.FormValue("prompt"),
		Size:           r.FormValue("size"),
		ResponseFormat: r.FormValue("response_format"),
	}
	if n := r.FormValue("n"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			req.N = v
		}
	}
	if file, _, err := r.FormFile("image"); err == nil {
		defer file.Close()
		_, _ = io.ReadAll(io.LimitReader(file, 16<<20)) // read-and-discard; see doc comment
	}
	s.runImages(w, r, req)
}

func (s *Server) runImages(w http.ResponseWriter, r *http.Request, req openaiapi.ImageGenerationRequest) {
	if req.Stream {
		sse, ok := newSSEWriter(w)
		if !ok {
			writeErrorBody(w, http.StatusInternalServerError, "bad_gateway", "streaming unsupported by this response writer")
			return
		}
		err := s.pipeline.RunImage(r.Context(), req, func(item openaiapi.ImageItem) error {
			return sse.WriteJSON(openaiapi.ImageResponse{Data: []openaiapi.ImageItem{item}})
		})
		if err != nil {
			_ = sse.WriteJSON(map[string]any{"error": err.Error()})
		}
		sse.Done()
		return
	}

	var items []openaiapi.ImageItem
	err := s.pipeline.RunImage(r.Context(), req, func(item openaiapi.ImageItem) error {
		items = append(items, item)
		return nil
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openaiapi.ImageResponse{Data: items})
}

// decodeJSONOrForm accepts either a JSON body (the common case for
// generations) or a urlencoded/multipart form, since some OpenAI client
// libraries send images/generations as a form post too.
func decodeJSONOrForm(r *http.Request, req *openaiapi.ImageGenerationRequest) error {
	ct := r.Header.Get("Content-Type")
	if len(ct) >= 16 && ct[:16] == "application/json" {
		return json.NewDecoder(r.Body).Decode(req)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	req.Model = r.FormValue("model")
	req.Prompt = r.FormValue("prompt")
	req.Size = r.FormValue("size")
	req.ResponseFormat = r.FormValue("response_format")
	if n := r.FormValue("n"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			req.N = v
		}
	}
	return nil
}
