// Package broadcast delivers chat events to topic subscribers.
//
// Delivery is at-most-once: a subscriber that is gone or too slow misses
// the event and nothing is retried.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Topics.
const (
	TopicMessages = "chat.messages"
	TopicPresence = "chat.presence"
	TopicRoles    = "chat.roles"
)

// NoticeTopic is the private topic of a single identity.
func NoticeTopic(handle string) string {
	return "user." + handle + ".notices"
}

// Event types.
const (
	EventMessage    = "message"
	EventRejection  = "rejection"
	EventPresence   = "presence"
	EventRoleChange = "role_change"
)

// Event is the envelope published on every topic.
type Event struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent wraps payload into an Event.
func NewEvent(topic, typ string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("broadcast: encode %s payload: %w", typ, err)
	}
	return Event{Type: typ, Topic: topic, At: at.UTC(), Payload: raw}, nil
}

// Broadcaster publishes events. Implementations must not block on slow
// subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, ev Event) error
}

// Rejection is the payload of a rejection notice. It never carries the
// rejected content.
type Rejection struct {
	Sender string `json:"sender"`
	Reason string `json:"reason"`
}

// Presence is the payload of an online/offline transition.
type Presence struct {
	Handle string `json:"handle"`
	Online bool   `json:"online"`
	Guest  bool   `json:"guest"`
}

// RoleChange is the payload of a role change announcement.
type RoleChange struct {
	Handle      string               `json:"handle"`
	Previous    model.Role           `json:"previous"`
	New         model.Role           `json:"new"`
	DisplayName string               `json:"display_name"`
	Color       string               `json:"color"`
	Icon        string               `json:"icon"`
	ChangedBy   string               `json:"changed_by"`
	Kind        model.RoleChangeKind `json:"kind"`
}

// Publish builds an event and publishes it on b.
func Publish(ctx context.Context, b Broadcaster, topic, typ string, payload any) error {
	ev, err := NewEvent(topic, typ, payload, time.Now())
	if err != nil {
		return err
	}
	return b.Publish(ctx, ev)
}
