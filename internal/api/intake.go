package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"reqguard/internal/consumer"
)

// Intake stores one event message body and reports the outcome, as
// consumer.Consumer does for broker messages.
type Intake interface {
	Handle(ctx context.Context, body []byte) string
}

// handleIntake accepts one event object or an array of them from producers
// that cannot reach the broker.
func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var items []json.RawMessage
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &items); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		items = []json.RawMessage{trim}
	}

	results := make(map[string]int)
	accepted, failed := 0, 0
	for _, item := range items {
		result := s.intake.Handle(r.Context(), item)
		results[result]++
		if result == consumer.ResultStored {
			accepted++
		} else {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"failed":   failed,
		"results":  results,
	})
}
