package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/store"
)

// Deps are the shared services the handlers need.
type Deps struct {
	Store       store.DataStore
	StoreName   string
	Redis       *store.RedisStore // optional, health-checked when set
	Registry    *chat.Registry
	Log         *chat.MessageLog
	Coordinator *chat.Coordinator
	Hub         *hub.Hub
	Logger      zerolog.Logger

	WSMessagesPerSecond float64
	AllowedOrigins      []string
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store     store.DataStore
	storeName string
	redis     *store.RedisStore
	registry  *chat.Registry
	log       *chat.MessageLog
	coord     *chat.Coordinator
	hub       *hub.Hub
	logger    zerolog.Logger

	wsRate   float64
	upgrader websocket.Upgrader
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	wsRate := d.WSMessagesPerSecond
	if wsRate <= 0 {
		wsRate = 5
	}
	h := &Handler{
		store:     d.Store,
		storeName: d.StoreName,
		redis:     d.Redis,
		registry:  d.Registry,
		log:       d.Log,
		coord:     d.Coordinator,
		hub:       d.Hub,
		logger:    d.Logger.With().Str("component", "http").Logger(),
		wsRate:    wsRate,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}
	return h
}

// originChecker allows any origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Field string `json:"field,omitempty"`
}

// Error codes shared by HTTP bodies and WebSocket error frames.
const (
	CodeValidation       = "validation"
	CodeBusy             = "busy"
	CodeNotFound         = "not_found"
	CodeSessionClosed    = "session_closed"
	CodeStoreUnavailable = "store_unavailable"
	CodeRateLimited      = "rate_limited"
	CodeBadRequest       = "bad_request"
	CodeInternal         = "internal"
)

// classify maps a chat error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict, CodeBusy
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, chat.ErrSessionClosed):
		return http.StatusGone, CodeSessionClosed
	case errors.Is(err, chat.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeStoreUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError maps err onto a status code and JSON body.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var verr *chat.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if code == CodeBusy {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		if code == CodeInternal {
			resp.Error = "internal error"
		}
	}
	h.JSON(w, status, resp)
}

// decodeJSON reads a JSON body, reporting oversize bodies as 413.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
