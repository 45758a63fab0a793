package chat

import (
	"time"

	"github.com/NicolasHaas/gotalk/pkg/avatar"
	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Status is the terminal state of a submission.
type Status int

const (
	StatusAccepted Status = iota + 1
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of a submission: either the accepted message or
// a rejection reason. Class is model.ErrValidation or
// model.ErrPermissionDenied for rejections.
type Outcome struct {
	Status  Status       `json:"status"`
	Message *MessageView `json:"message,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Class   error        `json:"-"`
}

func (o Outcome) Accepted() bool {
	return o.Status == StatusAccepted
}

func accepted(view MessageView) Outcome {
	return Outcome{Status: StatusAccepted, Message: &view}
}

func rejected(class error, reason string) Outcome {
	return Outcome{Status: StatusRejected, Reason: reason, Class: class}
}

// MessageView is a message enriched with its sender's display data.
type MessageView struct {
	ID           int64             `json:"id"`
	Sender       string            `json:"sender"`
	Content      string            `json:"content"`
	CreatedAt    time.Time         `json:"created_at"`
	SenderAvatar string            `json:"sender_avatar"`
	SenderRole   string            `json:"sender_role,omitempty"`
	RoleColor    string            `json:"role_color,omitempty"`
	RoleIcon     string            `json:"role_icon,omitempty"`
	Guest        bool              `json:"guest,omitempty"`
	Attachment   *model.Attachment `json:"attachment,omitempty"`
	Quote        *QuoteView        `json:"quote,omitempty"`
}

// QuoteView is a quote snapshot with the quoted sender's avatar.
type QuoteView struct {
	ID      int64  `json:"id"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Avatar  string `json:"avatar"`
}

// newView enriches m using the pre-fetched users map. Senders missing from
// users are shown as guests.
func newView(m *model.Message, users map[string]model.User) MessageView {
	v := MessageView{
		ID:         m.ID,
		Sender:     m.Sender,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		Attachment: m.Attachment,
	}
	if u, ok := users[m.Sender]; ok {
		v.SenderAvatar = avatar.Resolve(&u, m.Sender)
		v.SenderRole = u.Role.DisplayName()
		v.RoleColor = u.Role.Color()
		v.RoleIcon = u.Role.Icon()
	} else {
		v.SenderAvatar = avatar.Default(m.Sender)
		v.Guest = true
	}
	if q := m.Quote; q != nil {
		qv := &QuoteView{ID: q.ID, Sender: q.Sender, Content: q.Content}
		if u, ok := users[q.Sender]; ok {
			qv.Avatar = avatar.Resolve(&u, q.Sender)
		} else {
			qv.Avatar = avatar.Default(q.Sender)
		}
		v.Quote = qv
	}
	return v
}
