package roomsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// Frame is one server frame on a stream. Which fields are set depends on
// Type: "message" and "ack" carry Message, "error" carries Code and Error.
type Frame struct {
	Type    string   `json:"type"`
	Ref     string   `json:"ref,omitempty"`
	Message *Message `json:"message,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type welcomeFrame struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Room      RoomInfo  `json:"room"`
	Snapshot  []Message `json:"snapshot"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type sendFrame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Draft
}

// Stream is a live session in one room.
type Stream struct {
	SessionID string
	Room      RoomInfo
	// Snapshot is the room log as of joining. Live frames continue from
	// its last order key.
	Snapshot []Message

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Join opens a live session in a room under a display name.
func (c *Client) Join(ctx context.Context, roomID, name string) (*Stream, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(roomID) + "/stream"
	u.RawQuery = url.Values{"name": {name}}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, err
	}

	var welcome welcomeFrame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		conn.Close()
		return nil, fmt.Errorf("join refused (%s): %s", welcome.Code, welcome.Error)
	}

	return &Stream{
		SessionID: welcome.SessionID,
		Room:      welcome.Room,
		Snapshot:  welcome.Snapshot,
		conn:      conn,
	}, nil
}

// Next blocks for the next server frame.
func (s *Stream) Next() (*Frame, error) {
	var f Frame
	if err := s.conn.ReadJSON(&f); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, ErrStreamClosed
		}
		return nil, err
	}
	return &f, nil
}

// ErrStreamClosed is returned by Next after the server closes the stream.
var ErrStreamClosed = errors.New("stream closed")

// Send submits a draft. The outcome arrives later as an "ack" or "error"
// frame carrying the same ref.
func (s *Stream) Send(ref string, draft Draft) error {
	return s.write(sendFrame{Type: "send", Ref: ref, Draft: draft})
}

// Ping asks the server for a "pong" frame.
func (s *Stream) Ping() error {
	return s.write(map[string]string{"type": "ping"})
}

func (s *Stream) write(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close leaves the room.
func (s *Stream) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
