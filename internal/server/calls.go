package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/callrelay/internal/calllog"
)

// CallLookup reads call detail records. [calllog.Store] implements it.
type CallLookup interface {
	Get(ctx context.Context, callID string) (calllog.Call, error)
}

var _ CallLookup = (*calllog.Store)(nil)

// callResponse is the JSON body of GET /calls/{call_id}.
type callResponse struct {
	CallID        string     `json:"call_id"`
	StreamID      string     `json:"stream_id,omitempty"`
	Model         string     `json:"model"`
	Voice         string     `json:"voice"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Reason        string     `json:"end_reason,omitempty"`
	FramesIn      int64      `json:"frames_in"`
	FramesOut     int64      `json:"frames_out"`
	FramesDropped int64      `json:"frames_dropped"`
}

func callsHandler(calls CallLookup) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := calls.Get(r.Context(), r.PathValue("call_id"))
		switch {
		case errors.Is(err, calllog.ErrNotFound):
			http.Error(w, "call not found", http.StatusNotFound)
			return
		case err != nil:
			slog.Warn("server: call lookup failed", "err", err)
			http.Error(w, "call log unavailable", http.StatusServiceUnavailable)
			return
		}

		resp := callResponse{
			CallID:        c.CallID,
			StreamID:      c.StreamID,
			Model:         c.Model,
			Voice:         c.Voice,
			StartedAt:     c.StartedAt,
			Reason:        c.Reason,
			FramesIn:      c.FramesIn,
			FramesOut:     c.FramesOut,
			FramesDropped: c.FramesDropped,
		}
		if c.Ended {
			resp.EndedAt = &c.EndedAt
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
