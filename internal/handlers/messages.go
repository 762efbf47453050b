package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/models"
)

// SessionHeader routes a POSTed message through a live stream session.
const SessionHeader = "X-Session-ID"

// RoomInfo represents basic room information.
type RoomInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoomMessagesResponse represents the get room messages response.
type RoomMessagesResponse struct {
	Room     RoomInfo         `json:"room"`
	Messages []models.Message `json:"messages"`
}

// PostMessageRequest represents the post message request. Author is ignored
// when the request names a session.
type PostMessageRequest struct {
	Author  string           `json:"author"`
	Text    string           `json:"text,omitempty"`
	Image   string           `json:"image,omitempty"`
	ReplyTo *models.ReplyRef `json:"reply_to,omitempty"`
}

// GetRoomMessages returns the room's messages after ?since= (default 0), ascending.
func (h *Handler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.JSON(w, http.StatusBadRequest, ErrorResponse{
				Error: "since must be a non-negative order key",
				Code:  CodeValidation,
				Field: "since",
			})
			return
		}
		since = v
	}

	room, err := h.registry.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.log.ListSince(r.Context(), room.ID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, RoomMessagesResponse{
		Room:     RoomInfo{ID: room.ID, Name: room.Name},
		Messages: messages,
	})
}

// PostMessage appends a message. With an X-Session-ID header the send goes
// through that stream session and shares its busy flag; otherwise it is a
// one-off send as the given author.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	var req PostMessageRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	send := chat.SendRequest{Text: req.Text, Image: req.Image, ReplyTo: req.ReplyTo}

	var (
		msg *models.Message
		err error
	)
	if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
		session, ok := h.coord.Lookup(sessionID)
		if !ok {
			h.writeError(w, r, chat.ErrSessionClosed)
			return
		}
		if session.RoomID() != roomID {
			h.writeError(w, r, &chat.ValidationError{Field: "session", Reason: "session belongs to another room"})
			return
		}
		msg, err = h.coord.Send(r.Context(), session, send)
	} else {
		msg, err = h.coord.SendAs(r.Context(), roomID, req.Author, send)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.JSON(w, http.StatusCreated, msg)
}
