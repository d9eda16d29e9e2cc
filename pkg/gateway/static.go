package gateway

import (
	"mime"
	"net/http"
	"path"

	"github.com/lkarlslund/grokgateway/pkg/assets"
)

// handleStaticAsset serves the admin UI's static files (§6.5). Grounded on
// the teacher's pkg/assets; no templated HTML page is built, only the
// embedded static tree — requireBearer auth isn't applied here
// since these are public UI assets (CSS/JS), not data.
func (s *Server) handleStaticAsset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Path
	b, err := assets.LoadStaticAsset(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
