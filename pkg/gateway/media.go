package gateway

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
)

// handleMediaFile serves GET /v1/files/{kind}/{name} from the media cache
// (§6.3): Content-Type inferred from file magic bytes, never trusted from
// the request.
func (s *Server) handleMediaFile(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	name := chi.URLParam(r, "name")
	data, contentType, err := s.media.Get(kind, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		writeErrorBody(w, http.StatusInternalServerError, "bad_gateway", err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
