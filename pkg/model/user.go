package model

import (
	"fmt"
	"time"
)

const MaxHandleLength = 32

var (
	ErrHandleEmpty        = fmt.Errorf("%w: handle must not be empty", ErrValidation)
	ErrHandleTooLong      = fmt.Errorf("%w: handle must not exceed %d characters", ErrValidation, MaxHandleLength)
	ErrHandleInvalidChars = fmt.Errorf("%w: handle must contain only alphanumeric characters, underscores, or hyphens", ErrValidation)
)

// User is a registered community identity.
type User struct {
	ID             int64     `json:"id" yaml:"-"`
	Handle         string    `json:"handle" yaml:"handle"`
	Role           Role      `json:"role" yaml:"role"`
	Banned         bool      `json:"banned" yaml:"banned,omitempty"`
	Muted          bool      `json:"muted" yaml:"muted,omitempty"`
	MessageCount   int64     `json:"message_count" yaml:"message_count"`
	AvatarURL      string    `json:"avatar_url,omitempty" yaml:"avatar_url,omitempty"`
	RoleAssignedAt time.Time `json:"role_assigned_at" yaml:"role_assigned_at"`
	RoleChangedBy  string    `json:"role_changed_by,omitempty" yaml:"role_changed_by,omitempty"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at" yaml:"last_activity_at"`
}

// DaysInRole returns the number of whole days since the current role was
// assigned. Identities that never had a role stamped count from creation.
func (u *User) DaysInRole(now time.Time) int {
	since := u.RoleAssignedAt
	if since.IsZero() {
		since = u.CreatedAt
	}
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return int(now.Sub(since) / (24 * time.Hour))
}

// Restricted reports whether a moderation flag blocks the identity.
func (u *User) Restricted() bool {
	return u.Banned || u.Muted
}

// ValidateHandle checks that a handle is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters.
func ValidateHandle(handle string) error {
	if len(handle) == 0 {
		return ErrHandleEmpty
	}
	if len(handle) > MaxHandleLength {
		return ErrHandleTooLong
	}
	for _, r := range handle {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrHandleInvalidChars
		}
	}
	return nil
}

// SystemActor is recorded as the acting party for automatic role changes.
const SystemActor = "system"

// RoleChangeKind classifies an audit entry.
type RoleChangeKind string

const (
	RoleChangePromotion     RoleChangeKind = "promotion"
	RoleChangeDemotion      RoleChangeKind = "demotion"
	RoleChangeAutoPromotion RoleChangeKind = "auto_promotion"
)

// RoleChange is one entry of the role audit trail.
type RoleChange struct {
	ID        int64          `json:"id" yaml:"-"`
	Handle    string         `json:"handle" yaml:"handle"`
	Previous  Role           `json:"previous" yaml:"previous"`
	New       Role           `json:"new" yaml:"new"`
	ChangedBy string         `json:"changed_by" yaml:"changed_by"`
	Kind      RoleChangeKind `json:"kind" yaml:"kind"`
	At        time.Time      `json:"at" yaml:"at"`
}
