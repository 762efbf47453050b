// Package roomsync provides a client for the roomsync chat server.
package roomsync

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client is a roomsync API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a new client.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Field   string
	Message string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("roomsync error %d (%s): %s", e.Status, e.Field, e.Message)
	}
	return fmt.Sprintf("roomsync error %d: %s", e.Status, e.Message)
}

// IsBusy reports whether err means another send is still in flight.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// doRequest performs an HTTP request.
func (c *Client) doRequest(method, path string, body []byte, header http.Header) ([]byte, error) {
	req, err := http.NewRequest(method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
			Field string `json:"field"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Code: errResp.Code, Field: errResp.Field, Message: errResp.Error}
	}

	return respBody, nil
}

func (c *Client) getJSON(path string, v interface{}) error {
	respBody, err := c.doRequest("GET", path, nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(respBody, v)
}

// Room represents a chat room.
type Room struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int64     `json:"message_count"`
}

// ReplyRef is the snapshot of the message being replied to.
type ReplyRef struct {
	ID     string `json:"id"`
	Author string `json:"author,omitempty"`
	Text   string `json:"text,omitempty"`
}

// Message represents a chat message.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text,omitempty"`
	Image     string    `json:"image,omitempty"`
	ReplyTo   *ReplyRef `json:"reply_to,omitempty"`
	OrderKey  int64     `json:"order_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Draft is a message to send. Text or Image must be set.
type Draft struct {
	Text    string    `json:"text,omitempty"`
	Image   string    `json:"image,omitempty"` // data URL, see ImageDataURL
	ReplyTo *ReplyRef `json:"reply_to,omitempty"`
}

// CreateRoom creates a new room.
func (c *Client) CreateRoom(name string) (*Room, error) {
	reqBody, _ := json.Marshal(map[string]string{"name": name})

	respBody, err := c.doRequest("POST", "/rooms", reqBody, nil)
	if err != nil {
		return nil, err
	}

	var resp Room
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomsResponse is the response from listing rooms.
type RoomsResponse struct {
	Rooms []Room `json:"rooms"`
	Total int    `json:"total"`
}

// ListRooms lists rooms whose name contains query; an empty query lists all.
func (c *Client) ListRooms(query string) (*RoomsResponse, error) {
	path := "/rooms"
	if query != "" {
		path += "?q=" + url.QueryEscape(query)
	}
	var resp RoomsResponse
	if err := c.getJSON(path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRoom gets one room.
func (c *Client) GetRoom(roomID string) (*Room, error) {
	var resp Room
	if err := c.getJSON("/rooms/"+url.PathEscape(roomID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomInfo represents room metadata.
type RoomInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessagesResponse is the response from getting room messages.
type MessagesResponse struct {
	Room     RoomInfo  `json:"room"`
	Messages []Message `json:"messages"`
}

// GetMessages retrieves the messages after order key since (0 for all).
func (c *Client) GetMessages(roomID string, since int64) (*MessagesResponse, error) {
	path := "/rooms/" + url.PathEscape(roomID) + "/messages"
	if since > 0 {
		path += "?since=" + strconv.FormatInt(since, 10)
	}
	var resp MessagesResponse
	if err := c.getJSON(path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostMessage posts a message to a room as author.
func (c *Client) PostMessage(roomID, author string, draft Draft) (*Message, error) {
	return c.postMessage(roomID, author, draft, nil)
}

// PostMessageInSession posts through a live stream session, sharing its
// one-send-at-a-time rule. The author is the session's display name.
func (c *Client) PostMessageInSession(roomID, sessionID string, draft Draft) (*Message, error) {
	return c.postMessage(roomID, "", draft, http.Header{"X-Session-Id": {sessionID}})
}

func (c *Client) postMessage(roomID, author string, draft Draft, header http.Header) (*Message, error) {
	reqBody, _ := json.Marshal(struct {
		Author string `json:"author,omitempty"`
		Draft
	}{author, draft})

	respBody, err := c.doRequest("POST", "/rooms/"+url.PathEscape(roomID)+"/messages", reqBody, header)
	if err != nil {
		return nil, err
	}

	var resp Message
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Check is one dependency check in a health response.
type Check struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Region    string           `json:"region,omitempty"`
	Checks    map[string]Check `json:"checks"`
	Timestamp string           `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getJSON("/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatsResponse is the response from the stats endpoint.
type StatsResponse struct {
	TotalRooms      int64 `json:"total_rooms"`
	TotalMessages   int64 `json:"total_messages"`
	LiveRooms       int   `json:"live_rooms"`
	LiveSubscribers int   `json:"live_subscribers"`
	OpenSessions    int   `json:"open_sessions"`
}

// Stats gets server statistics.
func (c *Client) Stats() (*StatsResponse, error) {
	var resp StatsResponse
	if err := c.getJSON("/stats", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImageDataURL reads an image file and encodes it as a data URL.
func ImageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	contentType := http.DetectContentType(data)
	if len(contentType) < 6 || contentType[:6] != "image/" {
		return "", fmt.Errorf("%s is not an image (%s)", path, contentType)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
