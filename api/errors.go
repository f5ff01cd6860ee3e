package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/certforge/connector"
	"github.com/jmcleod/certforge/engine"
	"github.com/jmcleod/certforge/profile"
	"github.com/jmcleod/certforge/request"
	"github.com/jmcleod/certforge/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, profile.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, profile.ErrNotFound),
		errors.Is(err, request.ErrNotFound),
		errors.Is(err, connector.ErrNotConfigured),
		errors.Is(err, connector.ErrHostNotFound),
		errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, connector.ErrConflict),
		errors.Is(err, profile.ErrProfileInUse),
		errors.Is(err, request.ErrIllegalTransition),
		errors.Is(err, request.ErrRequestImmutable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, profile.ErrUnknownClass):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, profile.ErrMissingInput),
		errors.Is(err, connector.ErrUnsupportedCurve),
		errors.Is(err, engine.ErrProfileDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connector.ErrProtocol),
		errors.Is(err, connector.ErrStopped):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
