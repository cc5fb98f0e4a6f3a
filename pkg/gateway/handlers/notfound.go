package handlers

import (
	"net/http"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/mw"
)

// NotFoundHandler keeps unknown routes on the JSON error envelope.
type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeJSONError(w, http.StatusNotFound, "not_found", "unknown route", reqID)
}
