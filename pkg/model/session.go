package model

import "time"

// Session is one live connection held by an identity (in-memory only).
// Guest sessions belong to handles that have no stored user record.
type Session struct {
	ID        string    `json:"id"`
	Handle    string    `json:"handle"`
	Guest     bool      `json:"guest"`
	CreatedAt time.Time `json:"created_at"`
}
