package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out SQLite-backed providers, either directly on
// the pool or scoped to a transaction.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// WithTx runs fn inside a transaction from f, committing when fn returns
// nil and rolling back otherwise.
func WithTx(ctx context.Context, f DataProviderFactory, fn func(DataStoreTx) error) error {
	tx, err := f.Tx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	DB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := DB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := DB.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: DB}
	if err := s.migrate(); err != nil {
		_ = DB.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		handle           TEXT    NOT NULL UNIQUE CHECK(length(handle) > 0 AND length(handle) <= 32),
		role             INTEGER NOT NULL DEFAULT 1 CHECK(role >= 1 AND role <= 6),
		banned           INTEGER NOT NULL DEFAULT 0,
		muted            INTEGER NOT NULL DEFAULT 0,
		message_count    INTEGER NOT NULL DEFAULT 0,
		avatar_url       TEXT    NOT NULL DEFAULT '',
		role_assigned_at TEXT,
		role_changed_by  TEXT    NOT NULL DEFAULT '',
		created_at       TEXT    NOT NULL DEFAULT (datetime('now')),
		last_activity_at TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		sender          TEXT    NOT NULL,
		content         TEXT    NOT NULL DEFAULT '',
		created_at      TEXT    NOT NULL DEFAULT (datetime('now')),
		attachment_type TEXT,
		attachment_url  TEXT,
		attachment_name TEXT,
		attachment_size INTEGER,
		quoted_id       INTEGER,
		quoted_sender   TEXT,
		quoted_content  TEXT
	);

	CREATE TABLE IF NOT EXISTS role_changes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		handle     TEXT    NOT NULL,
		previous   INTEGER NOT NULL,
		new        INTEGER NOT NULL,
		changed_by TEXT    NOT NULL,
		kind       TEXT    NOT NULL,
		at         TEXT    NOT NULL
	);
	`
	ctx := context.Background()
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_users_role ON users(role)",
				"CREATE INDEX IF NOT EXISTS idx_role_changes_handle ON role_changes(handle)",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func formatDBTimePtr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatDBTime(t)
	return &s
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func parseDBTimePtr(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return parseDBTime(value.String)
}

// DBTime truncates t to the precision the database keeps.
func DBTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func expectOneRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ---- Users ----

const userColumns = "id, handle, role, banned, muted, message_count, avatar_url, role_assigned_at, role_changed_by, created_at, last_activity_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var roleInt, banned, muted int
	var createdAt string
	var roleAssignedAt, lastActivityAt sql.NullString
	if err := row.Scan(&u.ID, &u.Handle, &roleInt, &banned, &muted, &u.MessageCount, &u.AvatarURL,
		&roleAssignedAt, &u.RoleChangedBy, &createdAt, &lastActivityAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(roleInt)
	u.Banned = banned != 0
	u.Muted = muted != 0

	var err error
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	if u.RoleAssignedAt, err = parseDBTimePtr(roleAssignedAt); err != nil {
		return nil, err
	}
	if u.LastActivityAt, err = parseDBTimePtr(lastActivityAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser creates a new user and returns it with the assigned ID.
// It validates the handle format and role before inserting.
func (s *baseProvider) CreateUser(handle string, role model.Role) (*model.User, error) {
	if err := model.ValidateHandle(handle); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("datastore: create user: %w", model.ErrInvalidRole)
	}
	now := DBTime(time.Now())
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO users (handle, role, role_assigned_at, created_at) VALUES (?, ?, ?, ?)",
		handle, int(role), formatDBTime(now), formatDBTime(now))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("datastore: create user %q: %w", handle, model.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.User{
		ID:             id,
		Handle:         handle,
		Role:           role,
		RoleAssignedAt: now,
		CreatedAt:      now,
	}, nil
}

// GetUserByHandle retrieves a user by handle.
func (s *baseProvider) GetUserByHandle(handle string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(context.Background(), "SELECT "+userColumns+" FROM users WHERE handle = ?", handle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUsersByHandles retrieves every known user among handles in one query.
func (s *baseProvider) GetUsersByHandles(handles []string) (map[string]model.User, error) {
	result := make(map[string]model.User, len(handles))
	if len(handles) == 0 {
		return result, nil
	}

	seen := make(map[string]bool, len(handles))
	args := make([]any, 0, len(handles))
	for _, h := range handles {
		if seen[h] {
			continue
		}
		seen[h] = true
		args = append(args, h)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")

	rows, err := s.QueryContext(context.Background(),
		"SELECT "+userColumns+" FROM users WHERE handle IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: get users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		result[u.Handle] = *u
	}
	return result, rows.Err()
}

// ListUsers returns all users.
func (s *baseProvider) ListUsers() ([]model.User, error) {
	rows, err := s.QueryContext(context.Background(), "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// CountUsersByRole returns how many users hold role.
func (s *baseProvider) CountUsersByRole(role model.Role) (int, error) {
	var count int
	err := s.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM users WHERE role = ?", int(role)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("datastore: count users: %w", err)
	}
	return count, nil
}

// SaveUser writes every mutable field of user, matched by handle.
func (s *baseProvider) SaveUser(user *model.User) error {
	if !user.Role.Valid() {
		return fmt.Errorf("datastore: save user: %w", model.ErrInvalidRole)
	}
	res, err := s.ExecContext(context.Background(), `
		UPDATE users SET role = ?, banned = ?, muted = ?, message_count = ?, avatar_url = ?,
			role_assigned_at = ?, role_changed_by = ?, last_activity_at = ?
		WHERE handle = ?`,
		int(user.Role), boolToInt(user.Banned), boolToInt(user.Muted), user.MessageCount, user.AvatarURL,
		formatDBTimePtr(user.RoleAssignedAt), user.RoleChangedBy, formatDBTimePtr(user.LastActivityAt),
		user.Handle)
	if err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	if err := expectOneRow(res, model.ErrUserNotFound); err != nil {
		return fmt.Errorf("datastore: save user %q: %w", user.Handle, err)
	}
	return nil
}

// UpdateUserRole changes a user's role and stamps who changed it and when.
func (s *baseProvider) UpdateUserRole(handle string, role model.Role, changedBy string, at time.Time) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update user role: %w", model.ErrInvalidRole)
	}
	res, err := s.ExecContext(context.Background(),
		"UPDATE users SET role = ?, role_changed_by = ?, role_assigned_at = ? WHERE handle = ?",
		int(role), changedBy, formatDBTime(at), handle)
	if err != nil {
		return fmt.Errorf("datastore: update user role: %w", err)
	}
	if err := expectOneRow(res, model.ErrUserNotFound); err != nil {
		return fmt.Errorf("datastore: update user role %q: %w", handle, err)
	}
	return nil
}

// SetUserFlags sets the moderation flags of a user.
func (s *baseProvider) SetUserFlags(handle string, banned, muted bool) error {
	res, err := s.ExecContext(context.Background(),
		"UPDATE users SET banned = ?, muted = ? WHERE handle = ?",
		boolToInt(banned), boolToInt(muted), handle)
	if err != nil {
		return fmt.Errorf("datastore: set user flags: %w", err)
	}
	if err := expectOneRow(res, model.ErrUserNotFound); err != nil {
		return fmt.Errorf("datastore: set user flags %q: %w", handle, err)
	}
	return nil
}

// RecordActivity bumps the message count and last activity of a user.
// Handles without a user record are ignored.
func (s *baseProvider) RecordActivity(handle string, at time.Time) error {
	_, err := s.ExecContext(context.Background(),
		"UPDATE users SET message_count = message_count + 1, last_activity_at = ? WHERE handle = ?",
		formatDBTime(at), handle)
	if err != nil {
		return fmt.Errorf("datastore: record activity: %w", err)
	}
	return nil
}

// ---- Messages ----

const messageColumns = `id, sender, content, created_at,
	attachment_type, attachment_url, attachment_name, attachment_size,
	quoted_id, quoted_sender, quoted_content`

func scanMessage(row rowScanner) (*model.Message, error) {
	m := &model.Message{}
	var createdAt string
	var attType, attURL, attName sql.NullString
	var attSize sql.NullInt64
	var quotedID sql.NullInt64
	var quotedSender, quotedContent sql.NullString
	if err := row.Scan(&m.ID, &m.Sender, &m.Content, &createdAt,
		&attType, &attURL, &attName, &attSize,
		&quotedID, &quotedSender, &quotedContent); err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parsed
	if attType.Valid {
		m.Attachment = &model.Attachment{
			Type: model.AttachmentType(attType.String),
			URL:  attURL.String,
			Name: attName.String,
			Size: attSize.Int64,
		}
	}
	if quotedID.Valid {
		m.Quote = &model.QuoteSnapshot{
			ID:      quotedID.Int64,
			Sender:  quotedSender.String,
			Content: quotedContent.String,
		}
	}
	return m, nil
}

// CreateMessage validates and inserts message, filling in its ID. A zero
// CreatedAt is set to now.
func (s *baseProvider) CreateMessage(message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}
	if message.Attachment != nil {
		if err := message.Attachment.Validate(); err != nil {
			return fmt.Errorf("datastore: message failed validation: %w", err)
		}
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.CreatedAt = DBTime(message.CreatedAt)

	var attType, attURL, attName *string
	var attSize *int64
	if a := message.Attachment; a != nil {
		t := string(a.Type)
		attType, attURL, attName, attSize = &t, &a.URL, &a.Name, &a.Size
	}
	var quotedID *int64
	var quotedSender, quotedContent *string
	if q := message.Quote; q != nil {
		quotedID, quotedSender, quotedContent = &q.ID, &q.Sender, &q.Content
	}

	res, err := s.ExecContext(context.Background(), `
		INSERT INTO messages (sender, content, created_at,
			attachment_type, attachment_url, attachment_name, attachment_size,
			quoted_id, quoted_sender, quoted_content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.Sender, message.Content, formatDBTime(message.CreatedAt),
		attType, attURL, attName, attSize,
		quotedID, quotedSender, quotedContent)
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.ID, _ = res.LastInsertId()

	return nil
}

// GetMessage retrieves a message by ID.
func (s *baseProvider) GetMessage(id int64) (*model.Message, error) {
	m, err := scanMessage(s.QueryRowContext(context.Background(), "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get message: %w", err)
	}
	return m, nil
}

// RecentMessages returns the newest limit messages, newest first.
func (s *baseProvider) RecentMessages(limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.QueryContext(context.Background(),
		"SELECT "+messageColumns+" FROM messages ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: recent messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *baseProvider) DeleteMessage(messageID int64) error {
	_, err := s.ExecContext(context.Background(), "DELETE FROM messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("datastore: delete message: %w", err)
	}
	return nil
}

// ---- Role audit ----

// RecordRoleChange appends an entry to the role audit trail.
func (s *baseProvider) RecordRoleChange(change *model.RoleChange) error {
	if change.At.IsZero() {
		change.At = time.Now()
	}
	change.At = DBTime(change.At)
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO role_changes (handle, previous, new, changed_by, kind, at) VALUES (?, ?, ?, ?, ?, ?)",
		change.Handle, int(change.Previous), int(change.New), change.ChangedBy, string(change.Kind), formatDBTime(change.At))
	if err != nil {
		return fmt.Errorf("datastore: record role change: %w", err)
	}
	change.ID, _ = res.LastInsertId()
	return nil
}

// ListRoleChanges returns audit entries for handle (all when empty), oldest first.
func (s *baseProvider) ListRoleChanges(handle string) ([]model.RoleChange, error) {
	rows, err := s.QueryContext(context.Background(), `
		SELECT id, handle, previous, new, changed_by, kind, at
		FROM role_changes
		WHERE (? = '' OR handle = ?)
		ORDER BY id`, handle, handle)
	if err != nil {
		return nil, fmt.Errorf("datastore: list role changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []model.RoleChange
	for rows.Next() {
		var c model.RoleChange
		var prev, next int
		var kind, at string
		if err := rows.Scan(&c.ID, &c.Handle, &prev, &next, &c.ChangedBy, &kind, &at); err != nil {
			return nil, fmt.Errorf("datastore: scan role change: %w", err)
		}
		c.Previous = model.Role(prev)
		c.New = model.Role(next)
		c.Kind = model.RoleChangeKind(kind)
		parsed, err := parseDBTime(at)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan role change: %w", err)
		}
		c.At = parsed
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
