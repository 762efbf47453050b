package handlers

import (
	"net/http"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalRooms      int64 `json:"total_rooms"`
	TotalMessages   int64 `json:"total_messages"`
	LiveRooms       int   `json:"live_rooms"`
	LiveSubscribers int   `json:"live_subscribers"`
	OpenSessions    int   `json:"open_sessions"`
}

// Stats returns room, message and live-connection counts.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalRooms, err := h.store.CountRooms(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count rooms")
		return
	}

	totalMessages, err := h.store.SumMessageCount(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to sum messages")
		return
	}

	liveRooms, liveSubscribers := h.hub.Stats()

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalRooms:      totalRooms,
		TotalMessages:   totalMessages,
		LiveRooms:       liveRooms,
		LiveSubscribers: liveSubscribers,
		OpenSessions:    h.coord.Count(),
	})
}
