// Package store provides an in-memory DataProviderFactory for tests and
// ephemeral runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/model"
)

var errTxDone = errors.New("store: transaction has already been committed or rolled back")

// MemoryStore keeps users, messages and the role audit trail in maps.
// It mirrors the SQLite provider for validation, ordering, time precision
// and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextMessageID int64
	nextChangeID  int64

	usersByHandle map[string]*model.User
	messagesByID  map[int64]*model.Message
	roleChanges   []model.RoleChange
}

// Compile-time check: *MemoryStore implements DataProviderFactory.
var _ datastore.DataProviderFactory = (*MemoryStore)(nil)

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:           now,
		nextUserID:    1,
		nextMessageID: 1,
		nextChangeID:  1,
		usersByHandle: make(map[string]*model.User),
		messagesByID:  make(map[int64]*model.Message),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// NonTx returns a provider whose writes apply immediately.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return &memoryProvider{s: s}
}

// Tx returns a provider that journals its writes so Rollback can undo
// them. Writes are visible to other providers before Commit. Rollback
// reverts only the user fields the transaction changed and leaves a field
// alone once another writer has replaced it, so a later write to the same
// field wins over the undo.
func (s *MemoryStore) Tx(ctx context.Context) (datastore.DataStoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	return &memoryTx{memoryProvider: memoryProvider{s: s, journal: &journal{}}}, nil
}

// journal holds undo steps. Each step runs with MemoryStore.mu held.
type journal struct {
	undo []func()
	done bool
}

type memoryProvider struct {
	s       *MemoryStore
	journal *journal
}

type memoryTx struct {
	memoryProvider
}

func (t *memoryTx) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.journal.done {
		return errTxDone
	}
	t.journal.done = true
	t.journal.undo = nil
	return nil
}

func (t *memoryTx) Rollback() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.journal.done {
		return errTxDone
	}
	t.journal.done = true
	for i := len(t.journal.undo) - 1; i >= 0; i-- {
		t.journal.undo[i]()
	}
	t.journal.undo = nil
	return nil
}

// record registers an undo step. Caller holds s.mu.
func (p *memoryProvider) record(undo func()) {
	if p.journal != nil {
		p.journal.undo = append(p.journal.undo, undo)
	}
}

func (p *memoryProvider) checkOpen() error {
	if p.journal != nil && p.journal.done {
		return errTxDone
	}
	return nil
}

func (p *memoryProvider) ZeroTime() time.Time {
	return time.Time{}
}

func copyMessage(m *model.Message) model.Message {
	out := *m
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	if m.Quote != nil {
		q := *m.Quote
		out.Quote = &q
	}
	return out
}

// ---- Users ----

// CreateUser creates a new user and returns it with the assigned ID.
func (p *memoryProvider) CreateUser(handle string, role model.Role) (*model.User, error) {
	if err := model.ValidateHandle(handle); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("store: create user: %w", model.ErrInvalidRole)
	}

	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if _, exists := s.usersByHandle[handle]; exists {
		return nil, fmt.Errorf("store: create user %q: %w", handle, model.ErrConflict)
	}
	now := datastore.DBTime(s.now())
	user := &model.User{
		ID:             s.nextUserID,
		Handle:         handle,
		Role:           role,
		RoleAssignedAt: now,
		CreatedAt:      now,
	}
	s.nextUserID++
	s.usersByHandle[handle] = user
	p.record(func() { delete(s.usersByHandle, handle) })

	copyUser := *user
	return &copyUser, nil
}

// GetUserByHandle retrieves a user by handle.
func (p *memoryProvider) GetUserByHandle(handle string) (*model.User, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	user, ok := p.s.usersByHandle[handle]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// GetUsersByHandles retrieves every known user among handles.
func (p *memoryProvider) GetUsersByHandles(handles []string) (map[string]model.User, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	result := make(map[string]model.User, len(handles))
	for _, h := range handles {
		if user, ok := p.s.usersByHandle[h]; ok {
			result[h] = *user
		}
	}
	return result, nil
}

// ListUsers returns all users ordered by ID.
func (p *memoryProvider) ListUsers() ([]model.User, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	users := make([]model.User, 0, len(p.s.usersByHandle))
	for _, user := range p.s.usersByHandle {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// CountUsersByRole returns how many users hold role.
func (p *memoryProvider) CountUsersByRole(role model.Role) (int, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	count := 0
	for _, user := range p.s.usersByHandle {
		if user.Role == role {
			count++
		}
	}
	return count, nil
}

// mutateUser applies fn to the stored user and journals the prior state.
func (p *memoryProvider) mutateUser(op, handle string, fn func(u *model.User)) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.checkOpen(); err != nil {
		return err
	}
	user, ok := s.usersByHandle[handle]
	if !ok {
		return fmt.Errorf("store: %s %q: %w", op, handle, model.ErrUserNotFound)
	}
	before := *user
	fn(user)
	after := *user
	p.record(func() { revertUser(user, before, after) })
	return nil
}

// revertUser undoes the fields a transaction changed from before to after,
// skipping any that another writer has replaced since.
func revertUser(cur *model.User, before, after model.User) {
	revert := func(changed, untouched bool, restore func()) {
		if changed && untouched {
			restore()
		}
	}
	revert(before.Role != after.Role, cur.Role == after.Role, func() { cur.Role = before.Role })
	revert(before.Banned != after.Banned, cur.Banned == after.Banned, func() { cur.Banned = before.Banned })
	revert(before.Muted != after.Muted, cur.Muted == after.Muted, func() { cur.Muted = before.Muted })
	revert(before.MessageCount != after.MessageCount, cur.MessageCount == after.MessageCount,
		func() { cur.MessageCount = before.MessageCount })
	revert(before.AvatarURL != after.AvatarURL, cur.AvatarURL == after.AvatarURL,
		func() { cur.AvatarURL = before.AvatarURL })
	revert(!before.RoleAssignedAt.Equal(after.RoleAssignedAt), cur.RoleAssignedAt.Equal(after.RoleAssignedAt),
		func() { cur.RoleAssignedAt = before.RoleAssignedAt })
	revert(before.RoleChangedBy != after.RoleChangedBy, cur.RoleChangedBy == after.RoleChangedBy,
		func() { cur.RoleChangedBy = before.RoleChangedBy })
	revert(!before.LastActivityAt.Equal(after.LastActivityAt), cur.LastActivityAt.Equal(after.LastActivityAt),
		func() { cur.LastActivityAt = before.LastActivityAt })
}

// SaveUser writes every mutable field of user, matched by handle.
func (p *memoryProvider) SaveUser(user *model.User) error {
	if !user.Role.Valid() {
		return fmt.Errorf("store: save user: %w", model.ErrInvalidRole)
	}
	return p.mutateUser("save user", user.Handle, func(u *model.User) {
		u.Role = user.Role
		u.Banned = user.Banned
		u.Muted = user.Muted
		u.MessageCount = user.MessageCount
		u.AvatarURL = user.AvatarURL
		u.RoleAssignedAt = datastore.DBTime(user.RoleAssignedAt)
		u.RoleChangedBy = user.RoleChangedBy
		u.LastActivityAt = datastore.DBTime(user.LastActivityAt)
	})
}

// UpdateUserRole changes a user's role and stamps who changed it and when.
func (p *memoryProvider) UpdateUserRole(handle string, role model.Role, changedBy string, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("store: update user role: %w", model.ErrInvalidRole)
	}
	return p.mutateUser("update user role", handle, func(u *model.User) {
		u.Role = role
		u.RoleChangedBy = changedBy
		u.RoleAssignedAt = datastore.DBTime(at)
	})
}

// SetUserFlags sets the moderation flags of a user.
func (p *memoryProvider) SetUserFlags(handle string, banned, muted bool) error {
	return p.mutateUser("set user flags", handle, func(u *model.User) {
		u.Banned = banned
		u.Muted = muted
	})
}

// RecordActivity bumps the message count and last activity of a user.
// Handles without a user record are ignored.
func (p *memoryProvider) RecordActivity(handle string, at time.Time) error {
	err := p.mutateUser("record activity", handle, func(u *model.User) {
		u.MessageCount++
		u.LastActivityAt = datastore.DBTime(at)
	})
	if errors.Is(err, model.ErrUserNotFound) {
		return nil
	}
	return err
}

// ---- Messages ----

// CreateMessage validates and stores message, filling in its ID.
func (p *memoryProvider) CreateMessage(message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	if message.Attachment != nil {
		if err := message.Attachment.Validate(); err != nil {
			return fmt.Errorf("store: message failed validation: %w", err)
		}
	}

	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.checkOpen(); err != nil {
		return err
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	message.CreatedAt = datastore.DBTime(message.CreatedAt)
	message.ID = s.nextMessageID
	s.nextMessageID++

	stored := copyMessage(message)
	s.messagesByID[stored.ID] = &stored
	p.record(func() { delete(s.messagesByID, stored.ID) })
	return nil
}

// GetMessage retrieves a message by ID.
func (p *memoryProvider) GetMessage(id int64) (*model.Message, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	m, ok := p.s.messagesByID[id]
	if !ok {
		return nil, nil
	}
	out := copyMessage(m)
	return &out, nil
}

// RecentMessages returns the newest limit messages, newest first.
func (p *memoryProvider) RecentMessages(limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	ids := make([]int64, 0, len(p.s.messagesByID))
	for id := range p.s.messagesByID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	messages := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		messages = append(messages, copyMessage(p.s.messagesByID[id]))
	}
	return messages, nil
}

// DeleteMessage removes a message. Unknown IDs are ignored.
func (p *memoryProvider) DeleteMessage(messageID int64) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.checkOpen(); err != nil {
		return err
	}
	m, ok := s.messagesByID[messageID]
	if !ok {
		return nil
	}
	delete(s.messagesByID, messageID)
	p.record(func() { s.messagesByID[messageID] = m })
	return nil
}

// ---- Role audit ----

// RecordRoleChange appends an entry to the role audit trail.
func (p *memoryProvider) RecordRoleChange(change *model.RoleChange) error {
	s := p.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := p.checkOpen(); err != nil {
		return err
	}
	if change.At.IsZero() {
		change.At = s.now()
	}
	change.At = datastore.DBTime(change.At)
	change.ID = s.nextChangeID
	s.nextChangeID++
	s.roleChanges = append(s.roleChanges, *change)

	id := change.ID
	p.record(func() {
		for i := range s.roleChanges {
			if s.roleChanges[i].ID == id {
				s.roleChanges = append(s.roleChanges[:i], s.roleChanges[i+1:]...)
				return
			}
		}
	})
	return nil
}

// ListRoleChanges returns audit entries for handle (all when empty), oldest first.
func (p *memoryProvider) ListRoleChanges(handle string) ([]model.RoleChange, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	var out []model.RoleChange
	for _, c := range p.s.roleChanges {
		if handle == "" || c.Handle == handle {
			out = append(out, c)
		}
	}
	return out, nil
}
