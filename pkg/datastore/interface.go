package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore is the persistence surface for identities, messages and the
// role audit trail. The SQLite provider below and the in-memory store in
// pkg/store both implement it.
//
// Lookups that find nothing return (nil, nil).
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	MessageReadProvider
	MessageWriteProvider

	RoleChangeReadProvider
	RoleChangeWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
}

type UserReadProvider interface {
	GetUserByHandle(handle string) (*model.User, error)
	// GetUsersByHandles resolves many handles in one lookup. Unknown
	// handles are absent from the result.
	GetUsersByHandles(handles []string) (map[string]model.User, error)
	ListUsers() ([]model.User, error)
	CountUsersByRole(role model.Role) (int, error)
}

type UserWriteProvider interface {
	CreateUser(handle string, role model.Role) (*model.User, error)
	// SaveUser overwrites the mutable fields of an existing user, keyed
	// by handle.
	SaveUser(user *model.User) error
	UpdateUserRole(handle string, role model.Role, changedBy string, at time.Time) error
	SetUserFlags(handle string, banned, muted bool) error
	// RecordActivity increments the message count and stamps last activity.
	RecordActivity(handle string, at time.Time) error
}

type MessageReadProvider interface {
	GetMessage(id int64) (*model.Message, error)
	// RecentMessages returns at most limit messages, newest first.
	RecentMessages(limit int) ([]model.Message, error)
}

type MessageWriteProvider interface {
	CreateMessage(message *model.Message) error
	DeleteMessage(messageID int64) error
}

type RoleChangeReadProvider interface {
	// ListRoleChanges returns the audit trail for handle, or for everyone
	// when handle is empty, oldest first.
	ListRoleChanges(handle string) ([]model.RoleChange, error)
}

type RoleChangeWriteProvider interface {
	RecordRoleChange(change *model.RoleChange) error
}
