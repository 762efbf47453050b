package models

import (
	"strings"
	"time"
)

// ReplySnippetRunes is the maximum length, in code points, of a reply snapshot's text.
const ReplySnippetRunes = 50

// Message represents a chat message in a room's log.
type Message struct {
	ID        string    `json:"id"` // ULID
	RoomID    string    `json:"room_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text,omitempty"`
	Image     string    `json:"image,omitempty"` // data URL
	ReplyTo   *ReplyRef `json:"reply_to,omitempty"`
	OrderKey  int64     `json:"order_key"`
	CreatedAt time.Time `json:"created_at"`
}

// ReplyRef is an immutable copy of another message's identifying fields,
// captured when the reply was written.
type ReplyRef struct {
	ID     string `json:"id"`
	Author string `json:"author"`
	Text   string `json:"text"`
}

// NewReplyRef snapshots msg for use as a reply target.
func NewReplyRef(msg Message) *ReplyRef {
	return &ReplyRef{
		ID:     msg.ID,
		Author: msg.Author,
		Text:   TruncateRunes(msg.Text, ReplySnippetRunes),
	}
}

// TruncateRunes returns at most n code points of s.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Draft is the author-supplied part of a message before the store assigns
// its id, order key and timestamp.
type Draft struct {
	Author  string    `json:"author"`
	Text    string    `json:"text,omitempty"`
	Image   string    `json:"image,omitempty"`
	ReplyTo *ReplyRef `json:"reply_to,omitempty"`
}

// Empty reports whether the draft has no image and no text besides
// whitespace.
func (d Draft) Empty() bool {
	return d.Image == "" && strings.TrimSpace(d.Text) == ""
}
