package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lkarlslund/grokgateway/pkg/batch"
	"github.com/lkarlslund/grokgateway/pkg/pool"
	"github.com/lkarlslund/grokgateway/pkg/version"
)

func (s *Server) handleAdminHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current().Version})
}

// maskedRecord is a TokenRecord view with the id masked to its last 4
// characters (§6.2 "credential masked to last 4 chars").
type maskedRecord struct {
	pool.TokenRecord
	ID string `json:"id"`
}

func maskID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return "****" + id[len(id)-4:]
}

func (s *Server) handlePoolSnapshot(w http.ResponseWriter, r *http.Request) {
	records := s.pool.ListAll()
	out := make([]maskedRecord, 0, len(records))
	for _, rec := range records {
		mr := maskedRecord{TokenRecord: rec, ID: maskID(rec.ID)}
		out = append(out, mr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *Server) handlePoolImport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Records []pool.TokenRecord `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	imported := s.pool.Import(body.Records)
	writeJSON(w, http.StatusOK, map[string]any{"imported": imported})
}

func (s *Server) handlePoolPatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch pool.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.pool.ReplaceRecord(id, patch); err != nil {
		writeErrorBody(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePoolDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removed := s.pool.Remove([]string{id})
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleBatchSubmit(w http.ResponseWriter, r *http.Request) {
	kind := batch.TaskKind(chi.URLParam(r, "kind"))
	var body struct {
		TargetTokens []string `json:"target_tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	taskID, err := s.batch.Submit(r.Context(), kind, body.TargetTokens)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) handleBatchStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	events, err := s.batch.Stream(r.Context(), taskID)
	if err != nil {
		writeErrorBody(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, "bad_gateway", "streaming unsupported by this response writer")
		return
	}
	for ev := range events {
		if err := sse.WriteJSON(ev); err != nil {
			return
		}
		if ev.Type == "done" || ev.Type == "cancelled" || ev.Type == "error" {
			break
		}
	}
	sse.Done()
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.batch.Cancel(taskID); err != nil {
		writeErrorBody(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
