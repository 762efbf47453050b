package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/eldtechnologies/roomsync/internal/chat"
	"github.com/eldtechnologies/roomsync/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	outboxSize = 256
)

// Frame types.
const (
	FrameWelcome = "welcome"
	FrameMessage = "message"
	FrameAck     = "ack"
	FrameError   = "error"
	FramePong    = "pong"
	FrameSend    = "send"
	FramePing    = "ping"
)

// WelcomeFrame is the first frame of a stream: the session id and the room
// log as of joining.
type WelcomeFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id"`
	Room      RoomInfo         `json:"room"`
	Snapshot  []models.Message `json:"snapshot"`
}

// MessageFrame carries one live message.
type MessageFrame struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

// AckFrame confirms a client send.
type AckFrame struct {
	Type    string         `json:"type"`
	Ref     string         `json:"ref,omitempty"`
	Message models.Message `json:"message"`
}

// ErrorFrame reports a failed client frame. Ref echoes the client's ref so
// the draft can be retried.
type ErrorFrame struct {
	Type  string `json:"type"`
	Ref   string `json:"ref,omitempty"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// PongFrame answers a client ping frame.
type PongFrame struct {
	Type string `json:"type"`
}

// ClientFrame is any frame sent by the client.
type ClientFrame struct {
	Type    string           `json:"type"`
	Ref     string           `json:"ref,omitempty"`
	Text    string           `json:"text,omitempty"`
	Image   string           `json:"image,omitempty"`
	ReplyTo *models.ReplyRef `json:"reply_to,omitempty"`
}

var errStreamClosed = errors.New("stream closed")

// stream is one WebSocket connection bound to a room session.
type stream struct {
	h       *Handler
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	out     chan interface{}
	session *chat.Session
	sends   sync.WaitGroup
}

// push queues a frame for the writer. It fails once the stream is closing.
func (s *stream) push(ctx context.Context, frame interface{}) error {
	select {
	case s.out <- frame:
		return nil
	case <-s.ctx.Done():
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver implements chat.Sink.
func (s *stream) Deliver(ctx context.Context, msg models.Message) error {
	return s.push(ctx, MessageFrame{Type: FrameMessage, Message: msg})
}

// Stream upgrades to a WebSocket session in the room for ?name=.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.TrimSpace(name) == "" {
		h.JSON(w, http.StatusBadRequest, ErrorResponse{Error: "name is required", Code: CodeValidation, Field: "name"})
		return
	}
	room, err := h.registry.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("room_id", room.ID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &stream{
		h:      h,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan interface{}, outboxSize),
	}

	session, err := h.coord.OpenSession(ctx, room.ID, name, s)
	if err != nil {
		_, code := classify(err)
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(ErrorFrame{Type: FrameError, Code: code, Error: err.Error()})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
		return
	}
	s.session = session
	defer h.coord.CloseSession(session)

	log := h.logger.With().Str("session_id", session.ID()).Str("room_id", room.ID).Logger()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(WelcomeFrame{
		Type:      FrameWelcome,
		SessionID: session.ID(),
		Room:      RoomInfo{ID: room.ID, Name: room.Name},
		Snapshot:  session.Snapshot(),
	}); err != nil {
		log.Debug().Err(err).Msg("failed to write welcome")
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump(h.log.Limits())

	cancel()
	s.sends.Wait()
	<-writerDone
	log.Debug().Msg("stream closed")
}

// maxFrameBytes bounds inbound frames: a base64 image at the configured
// limit plus room for text and JSON framing.
func maxFrameBytes(limits chat.Limits) int64 {
	return int64(limits.MaxImageBytes)*4/3 + int64(limits.MaxTextRunes)*4 + 4096
}

func (s *stream) readPump(limits chat.Limits) {
	s.conn.SetReadLimit(maxFrameBytes(limits))
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	burst := int(math.Ceil(s.h.wsRate))
	limiter := rate.NewLimiter(rate.Limit(s.h.wsRate), burst)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.h.logger.Debug().Err(err).Str("session_id", s.session.ID()).Msg("websocket read failed")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.push(s.ctx, ErrorFrame{Type: FrameError, Code: CodeBadRequest, Error: "invalid JSON frame"})
			continue
		}
		if !limiter.Allow() {
			s.push(s.ctx, ErrorFrame{Type: FrameError, Ref: frame.Ref, Code: CodeRateLimited, Error: "too many frames"})
			continue
		}

		switch frame.Type {
		case FramePing:
			s.push(s.ctx, PongFrame{Type: FramePong})
		case FrameSend:
			s.sends.Add(1)
			go s.send(frame)
		default:
			s.push(s.ctx, ErrorFrame{Type: FrameError, Ref: frame.Ref, Code: CodeBadRequest, Error: "unknown frame type " + frame.Type})
		}
	}
}

// send runs one client send off the read loop, so a second send while the
// first is in flight reaches the coordinator and is rejected as busy.
func (s *stream) send(frame ClientFrame) {
	defer s.sends.Done()

	msg, err := s.h.coord.Send(s.ctx, s.session, chat.SendRequest{
		Text:    frame.Text,
		Image:   frame.Image,
		ReplyTo: frame.ReplyTo,
	})
	if err != nil {
		_, code := classify(err)
		s.push(s.ctx, ErrorFrame{Type: FrameError, Ref: frame.Ref, Code: code, Error: err.Error()})
		return
	}
	s.push(s.ctx, AckFrame{Type: FrameAck, Ref: frame.Ref, Message: *msg})
}

func (s *stream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.cancel()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.conn.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}
