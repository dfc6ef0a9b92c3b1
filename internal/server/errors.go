package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

type errorBody struct {
	Error *domain.APIError `json:"error"`
}

// WriteError renders err as {"error": {...}} with the status its type maps
// to. Errors that are not APIErrors become server errors.
func WriteError(w http.ResponseWriter, err error) {
	apiErr, ok := domain.AsAPIError(err)
	if !ok {
		apiErr = domain.ErrServer(err.Error())
	}
	WriteJSON(w, apiErr.HTTPStatusCode(), errorBody{Error: apiErr})
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
