package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MessageMaxContentLength = 2000
	QuoteMaxContentLength   = 1000
)

var (
	ErrContentEmpty   = fmt.Errorf("%w: message content cannot be empty", ErrValidation)
	ErrContentTooLong = fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, MessageMaxContentLength)

	ErrAttachmentType     = fmt.Errorf("%w: unsupported attachment type", ErrValidation)
	ErrAttachmentTooLarge = fmt.Errorf("%w: attachment too large", ErrValidation)
	ErrAttachmentURL      = fmt.Errorf("%w: attachment url is required", ErrValidation)
)

// Message is a persisted chat message. Quote fields are copied from the
// quoted message when this one is stored and never follow the original.
type Message struct {
	ID         int64          `json:"id"`
	Sender     string         `json:"sender"`
	Content    string         `json:"content"`
	CreatedAt  time.Time      `json:"created_at"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	Quote      *QuoteSnapshot `json:"quote,omitempty"`
}

// Validate checks content bounds. Content is expected to be trimmed already.
func (m *Message) Validate() error {
	if strings.TrimSpace(m.Content) == "" {
		return ErrContentEmpty
	} else if utf8.RuneCountInString(m.Content) > MessageMaxContentLength {
		return ErrContentTooLong
	}

	return nil
}

// QuoteSnapshot holds the quoted message's key fields at send time.
type QuoteSnapshot struct {
	ID      int64  `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// SnapshotOf copies m into a quote snapshot, truncating long content.
func SnapshotOf(m *Message) *QuoteSnapshot {
	content := m.Content
	if utf8.RuneCountInString(content) > QuoteMaxContentLength {
		content = string([]rune(content)[:QuoteMaxContentLength]) + "..."
	}
	return &QuoteSnapshot{ID: m.ID, Sender: m.Sender, Content: content}
}

// AttachmentType is the broad media class of an attachment.
type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentGIF   AttachmentType = "gif"
	AttachmentAudio AttachmentType = "audio"
)

// MaxSize returns the upload cap in bytes, or 0 for an unknown type.
func (t AttachmentType) MaxSize() int64 {
	switch t {
	case AttachmentImage:
		return 5 << 20
	case AttachmentGIF:
		return 8 << 20
	case AttachmentAudio:
		return 10 << 20
	default:
		return 0
	}
}

// Label is the capitalised name used in generated message content.
func (t AttachmentType) Label() string {
	switch t {
	case AttachmentImage:
		return "Image"
	case AttachmentGIF:
		return "GIF"
	case AttachmentAudio:
		return "Audio"
	default:
		return "File"
	}
}

// ClassifyContentType maps a MIME type onto an attachment type.
func ClassifyContentType(mime string) (AttachmentType, bool) {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case "image/gif":
		return AttachmentGIF, true
	case "image/jpeg", "image/jpg", "image/png", "image/webp":
		return AttachmentImage, true
	case "audio/mpeg", "audio/mp3", "audio/wav", "audio/ogg", "audio/webm", "audio/mp4", "audio/aac":
		return AttachmentAudio, true
	}
	return "", false
}

// Attachment describes externally stored media attached to a message.
type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
	Size int64          `json:"size"`
}

func (a *Attachment) Validate() error {
	limit := a.Type.MaxSize()
	if limit == 0 {
		return fmt.Errorf("%w: %q", ErrAttachmentType, a.Type)
	}
	if strings.TrimSpace(a.URL) == "" {
		return ErrAttachmentURL
	}
	if a.Size < 0 {
		return fmt.Errorf("%w: negative attachment size", ErrValidation)
	}
	if a.Size > limit {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrAttachmentTooLarge, a.Size, limit)
	}
	return nil
}
