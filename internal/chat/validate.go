package chat

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/eldtechnologies/roomsync/internal/models"
)

const (
	// DefaultMaxTextRunes bounds message text length in code points.
	DefaultMaxTextRunes = 4000
	// DefaultMaxImageBytes bounds the decoded size of an inline image.
	DefaultMaxImageBytes = 1 << 20

	maxNameRunes = 100
)

// Limits bounds message payloads.
type Limits struct {
	MaxTextRunes  int
	MaxImageBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{MaxTextRunes: DefaultMaxTextRunes, MaxImageBytes: DefaultMaxImageBytes}
}

func (l Limits) withDefaults() Limits {
	if l.MaxTextRunes <= 0 {
		l.MaxTextRunes = DefaultMaxTextRunes
	}
	if l.MaxImageBytes <= 0 {
		l.MaxImageBytes = DefaultMaxImageBytes
	}
	return l
}

// sanitizeName trims, drops control characters and limits name to 100 characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	return models.TruncateRunes(name, maxNameRunes)
}

func validateDraft(d models.Draft, limits Limits) error {
	if strings.TrimSpace(d.Author) == "" {
		return invalid("author", "is required")
	}
	if d.Empty() {
		return invalid("content", "message needs text or an image")
	}
	if !utf8.ValidString(d.Text) {
		return invalid("text", "must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(d.Text); n > limits.MaxTextRunes {
		return invalid("text", fmt.Sprintf("too long (%d characters, max %d)", n, limits.MaxTextRunes))
	}
	if d.Image != "" {
		if err := validateImage(d.Image, limits.MaxImageBytes); err != nil {
			return err
		}
	}
	if d.ReplyTo != nil && d.ReplyTo.ID == "" {
		return invalid("reply_to", "id is required")
	}
	return nil
}

// validateImage accepts base64 data URLs with an image MIME type, e.g.
// "data:image/png;base64,iVBOR...".
func validateImage(dataURL string, maxBytes int) error {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return invalid("image", "must be a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return invalid("image", "data URL has no payload")
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return invalid("image", "data URL must be base64 encoded")
	}
	if !strings.HasPrefix(strings.ToLower(mediaType), "image/") || len(mediaType) == len("image/") {
		return invalid("image", "media type must be image/*")
	}
	if payload == "" {
		return invalid("image", "empty image")
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return invalid("image", fmt.Sprintf("larger than %d bytes", maxBytes))
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return invalid("image", "malformed base64 payload")
	}
	if len(decoded) > maxBytes {
		return invalid("image", fmt.Sprintf("larger than %d bytes", maxBytes))
	}
	return nil
}
