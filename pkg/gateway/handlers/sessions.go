package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/mw"
	"github.com/voicebridge-io/voicebridge/pkg/relay/sessions"
)

// SessionsHandler exposes live-session introspection for operators.
type SessionsHandler struct {
	Sessions *sessions.Tracker
}

type sessionSummary struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	StartedAt string `json:"started_at"`
	UptimeMS  int64  `json:"uptime_ms"`
	FramesIn  int64  `json:"frames_in"`
	FramesOut int64  `json:"frames_out"`
	BytesIn   int64  `json:"bytes_in"`
	BytesOut  int64  `json:"bytes_out"`
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}

	now := time.Now()
	snaps := h.Sessions.Snapshots()
	out := make([]sessionSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, sessionSummary{
			ID:        s.ID,
			State:     s.State.String(),
			StartedAt: s.StartedAt.UTC().Format(time.RFC3339),
			UptimeMS:  now.Sub(s.StartedAt).Milliseconds(),
			FramesIn:  s.FramesIn,
			FramesOut: s.FramesOut,
			BytesIn:   s.BytesIn,
			BytesOut:  s.BytesOut,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"count":    len(out),
		"sessions": out,
	})
}
