package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"jobbroker/internal/broker"
	"jobbroker/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeCommandError maps lifecycle command errors onto the wire contract:
// unknown jobs are 404, forbidden transitions 400, lease problems 409.
func writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrLeaseNotFound), errors.Is(err, broker.ErrLeaseExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrInvalidJobState):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
