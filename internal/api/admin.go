package api

import "net/http"

func (s *Server) handleRequeueExpired(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.RequeueExpired(r.Context(), s.cfg.ReaperBatchSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued_count": count})
}
