package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/store"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// backends returns a fresh SQLite factory and a fresh in-memory store so
// each test checks both implementations agree.
func backends(t *testing.T) map[string]datastore.DataProviderFactory {
	t.Helper()

	sqlStore, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	return map[string]datastore.DataProviderFactory{
		"sqlite": sqlStore,
		"memory": store.NewMemory(),
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, f datastore.DataProviderFactory)) {
	t.Helper()
	for name, f := range backends(t) {
		t.Run(name, func(t *testing.T) { fn(t, f) })
	}
}

var timeApprox = cmpopts.EquateApproxTime(2 * time.Second)

func TestZeroTime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		if diff := cmp.Diff(time.Time{}, f.NonTx().ZeroTime()); diff != "" {
			t.Errorf("ZeroTime mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		handle    string
		role      model.Role
		expectErr error
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			handle: "johndoe",
			role:   model.RoleNewMember,
		},
		"injection_handle": { // contains quotes, spaces and equals
			handle:    "' OR '1'='1",
			role:      model.RoleAdmin,
			expectErr: model.ErrValidation,
		},
		"empty_handle": {
			handle:    "",
			role:      model.RoleMember,
			expectErr: model.ErrValidation,
		},
		"long_handle": {
			handle:    strings.Repeat("a", 33),
			role:      model.RoleMember,
			expectErr: model.ErrValidation,
		},
		"unknown_role": {
			handle:    "janedoe",
			role:      10,
			expectErr: model.ErrInvalidRole,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
				got, err := f.NonTx().CreateUser(tc.handle, tc.role)
				if tc.expectErr != nil {
					if !errors.Is(err, tc.expectErr) {
						t.Fatalf("CreateUser: error = %v, want %v", err, tc.expectErr)
					}
					return
				}
				if err != nil {
					t.Fatalf("CreateUser: unexpected error: %v", err)
				}

				want := &model.User{
					Handle:         tc.handle,
					Role:           tc.role,
					RoleAssignedAt: time.Now(),
					CreatedAt:      time.Now(),
				}
				if diff := cmp.Diff(want, got, timeApprox, cmpopts.IgnoreFields(model.User{}, "ID")); diff != "" {
					t.Errorf("CreateUser mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		if _, err := f.NonTx().CreateUser("alice", model.RoleMember); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		_, err := f.NonTx().CreateUser("alice", model.RoleVIP)
		if !errors.Is(err, model.ErrConflict) {
			t.Errorf("duplicate CreateUser error = %v, want ErrConflict", err)
		}
	})
}

func TestGetUserByHandle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		created, err := f.NonTx().CreateUser("bob", model.RoleVIP)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		got, err := f.NonTx().GetUserByHandle("bob")
		if err != nil {
			t.Fatalf("GetUserByHandle: %v", err)
		}
		if diff := cmp.Diff(created, got, timeApprox); diff != "" {
			t.Errorf("GetUserByHandle mismatch (-want +got):\n%s", diff)
		}

		missing, err := f.NonTx().GetUserByHandle("nobody")
		if err != nil || missing != nil {
			t.Errorf("GetUserByHandle(nobody) = %v, %v; want nil, nil", missing, err)
		}
	})
}

func TestGetUsersByHandles(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		for _, h := range []string{"a1", "b2", "c3"} {
			if _, err := f.NonTx().CreateUser(h, model.RoleMember); err != nil {
				t.Fatalf("CreateUser(%s): %v", h, err)
			}
		}

		got, err := f.NonTx().GetUsersByHandles([]string{"a1", "c3", "a1", "ghost"})
		if err != nil {
			t.Fatalf("GetUsersByHandles: %v", err)
		}
		var handles []string
		for h := range got {
			handles = append(handles, h)
		}
		if diff := cmp.Diff([]string{"a1", "c3"}, handles, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
			t.Errorf("GetUsersByHandles keys mismatch (-want +got):\n%s", diff)
		}

		empty, err := f.NonTx().GetUsersByHandles(nil)
		if err != nil || len(empty) != 0 {
			t.Errorf("GetUsersByHandles(nil) = %v, %v", empty, err)
		}
	})
}

func TestUpdateUserRole(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		if _, err := f.NonTx().CreateUser("carol", model.RoleNewMember); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
		if err := f.NonTx().UpdateUserRole("carol", model.RoleMember, model.SystemActor, at); err != nil {
			t.Fatalf("UpdateUserRole: %v", err)
		}

		got, err := f.NonTx().GetUserByHandle("carol")
		if err != nil {
			t.Fatalf("GetUserByHandle: %v", err)
		}
		if got.Role != model.RoleMember || got.RoleChangedBy != model.SystemActor || !got.RoleAssignedAt.Equal(at) {
			t.Errorf("after UpdateUserRole got %+v", got)
		}

		if err := f.NonTx().UpdateUserRole("ghost", model.RoleMember, "x", at); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("UpdateUserRole(ghost) error = %v, want ErrNotFound", err)
		}
		if err := f.NonTx().UpdateUserRole("carol", model.Role(0), "x", at); !errors.Is(err, model.ErrInvalidRole) {
			t.Errorf("UpdateUserRole(invalid) error = %v, want ErrInvalidRole", err)
		}
	})
}

func TestSaveUserAndFlags(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		u, err := f.NonTx().CreateUser("dave", model.RoleMember)
		if err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		u.AvatarURL = "/avatars/dave.png"
		u.MessageCount = 42
		if err := f.NonTx().SaveUser(u); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}
		if err := f.NonTx().SetUserFlags("dave", false, true); err != nil {
			t.Fatalf("SetUserFlags: %v", err)
		}

		got, err := f.NonTx().GetUserByHandle("dave")
		if err != nil {
			t.Fatalf("GetUserByHandle: %v", err)
		}
		want := *u
		want.Muted = true
		if diff := cmp.Diff(&want, got, timeApprox); diff != "" {
			t.Errorf("SaveUser mismatch (-want +got):\n%s", diff)
		}

		if err := f.NonTx().SaveUser(&model.User{Handle: "ghost", Role: model.RoleMember}); !errors.Is(err, model.ErrUserNotFound) {
			t.Errorf("SaveUser(ghost) error = %v, want ErrUserNotFound", err)
		}
		if err := f.NonTx().SetUserFlags("ghost", true, true); !errors.Is(err, model.ErrUserNotFound) {
			t.Errorf("SetUserFlags(ghost) error = %v, want ErrUserNotFound", err)
		}
	})
}

func TestListUsersAndCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		roles := map[string]model.Role{"u1": model.RoleMember, "u2": model.RoleMember, "u3": model.RoleAdmin}
		for _, h := range []string{"u1", "u2", "u3"} {
			if _, err := f.NonTx().CreateUser(h, roles[h]); err != nil {
				t.Fatalf("CreateUser: %v", err)
			}
		}

		users, err := f.NonTx().ListUsers()
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		var got []string
		for _, u := range users {
			got = append(got, u.Handle)
		}
		if diff := cmp.Diff([]string{"u1", "u2", "u3"}, got); diff != "" {
			t.Errorf("ListUsers order mismatch (-want +got):\n%s", diff)
		}

		for role, want := range map[model.Role]int{model.RoleMember: 2, model.RoleAdmin: 1, model.RoleVIP: 0} {
			n, err := f.NonTx().CountUsersByRole(role)
			if err != nil {
				t.Fatalf("CountUsersByRole: %v", err)
			}
			if n != want {
				t.Errorf("CountUsersByRole(%s) = %d, want %d", role, n, want)
			}
		}
	})
}

func TestRecordActivity(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		if _, err := f.NonTx().CreateUser("erin", model.RoleNewMember); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
		for i := 0; i < 3; i++ {
			if err := f.NonTx().RecordActivity("erin", at); err != nil {
				t.Fatalf("RecordActivity: %v", err)
			}
		}
		if err := f.NonTx().RecordActivity("guest-1", at); err != nil {
			t.Errorf("RecordActivity for unknown handle should be a no-op, got %v", err)
		}

		got, err := f.NonTx().GetUserByHandle("erin")
		if err != nil {
			t.Fatalf("GetUserByHandle: %v", err)
		}
		if got.MessageCount != 3 || !got.LastActivityAt.Equal(at) {
			t.Errorf("after RecordActivity: count=%d last=%v", got.MessageCount, got.LastActivityAt)
		}
	})
}

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	type tcase struct {
		message   model.Message
		expectErr error
	}

	tcases := map[string]tcase{
		"plain": {
			message: model.Message{Sender: "alice", Content: "hello"},
		},
		"with_attachment": {
			message: model.Message{
				Sender:     "alice",
				Content:    "📎 Shared Image",
				Attachment: &model.Attachment{Type: model.AttachmentImage, URL: "/uploads/x.png", Name: "x.png", Size: 2048},
			},
		},
		"with_quote": {
			message: model.Message{
				Sender:  "bob",
				Content: "agreed",
				Quote:   &model.QuoteSnapshot{ID: 99, Sender: "alice", Content: "hello"},
			},
		},
		"empty": {
			message:   model.Message{Sender: "alice", Content: "   "},
			expectErr: model.ErrContentEmpty,
		},
		"too_long": {
			message:   model.Message{Sender: "alice", Content: strings.Repeat("a", model.MessageMaxContentLength+1)},
			expectErr: model.ErrContentTooLong,
		},
		"bad_attachment": {
			message: model.Message{
				Sender:     "alice",
				Content:    "clip",
				Attachment: &model.Attachment{Type: "video", URL: "/u/v.mp4", Size: 1},
			},
			expectErr: model.ErrAttachmentType,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
				msg := tc.message
				err := f.NonTx().CreateMessage(&msg)
				if tc.expectErr != nil {
					if !errors.Is(err, tc.expectErr) {
						t.Fatalf("CreateMessage error = %v, want %v", err, tc.expectErr)
					}
					return
				}
				if err != nil {
					t.Fatalf("CreateMessage: %v", err)
				}
				if msg.ID == 0 || msg.CreatedAt.IsZero() {
					t.Fatalf("CreateMessage did not assign id/time: %+v", msg)
				}

				got, err := f.NonTx().GetMessage(msg.ID)
				if err != nil {
					t.Fatalf("GetMessage: %v", err)
				}
				if diff := cmp.Diff(&msg, got, timeApprox); diff != "" {
					t.Errorf("GetMessage mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestRecentMessagesOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		var ids []int64
		for i := 0; i < 5; i++ {
			msg := model.Message{Sender: "alice", Content: fmt.Sprintf("m%d", i)}
			if err := f.NonTx().CreateMessage(&msg); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
			if len(ids) > 0 && msg.ID <= ids[len(ids)-1] {
				t.Fatalf("ids not increasing: %d after %d", msg.ID, ids[len(ids)-1])
			}
			ids = append(ids, msg.ID)
		}

		got, err := f.NonTx().RecentMessages(3)
		if err != nil {
			t.Fatalf("RecentMessages: %v", err)
		}
		var contents []string
		for _, m := range got {
			contents = append(contents, m.Content)
		}
		if diff := cmp.Diff([]string{"m4", "m3", "m2"}, contents); diff != "" {
			t.Errorf("RecentMessages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestDeleteMessageKeepsQuoteSnapshot(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		original := model.Message{Sender: "alice", Content: "original"}
		if err := f.NonTx().CreateMessage(&original); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
		reply := model.Message{Sender: "bob", Content: "reply", Quote: model.SnapshotOf(&original)}
		if err := f.NonTx().CreateMessage(&reply); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}

		if err := f.NonTx().DeleteMessage(original.ID); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		gone, err := f.NonTx().GetMessage(original.ID)
		if err != nil || gone != nil {
			t.Fatalf("GetMessage(deleted) = %v, %v", gone, err)
		}

		got, err := f.NonTx().GetMessage(reply.ID)
		if err != nil {
			t.Fatalf("GetMessage: %v", err)
		}
		want := &model.QuoteSnapshot{ID: original.ID, Sender: "alice", Content: "original"}
		if diff := cmp.Diff(want, got.Quote); diff != "" {
			t.Errorf("quote snapshot changed (-want +got):\n%s", diff)
		}
	})
}

func TestRoleChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		entries := []model.RoleChange{
			{Handle: "alice", Previous: model.RoleNewMember, New: model.RoleMember, ChangedBy: model.SystemActor, Kind: model.RoleChangeAutoPromotion, At: at},
			{Handle: "bob", Previous: model.RoleMember, New: model.RoleVIP, ChangedBy: "mod", Kind: model.RoleChangePromotion, At: at},
			{Handle: "alice", Previous: model.RoleMember, New: model.RoleNewMember, ChangedBy: "admin", Kind: model.RoleChangeDemotion, At: at.Add(time.Hour)},
		}
		for i := range entries {
			if err := f.NonTx().RecordRoleChange(&entries[i]); err != nil {
				t.Fatalf("RecordRoleChange: %v", err)
			}
		}

		got, err := f.NonTx().ListRoleChanges("alice")
		if err != nil {
			t.Fatalf("ListRoleChanges: %v", err)
		}
		if diff := cmp.Diff([]model.RoleChange{entries[0], entries[2]}, got); diff != "" {
			t.Errorf("ListRoleChanges(alice) mismatch (-want +got):\n%s", diff)
		}

		all, err := f.NonTx().ListRoleChanges("")
		if err != nil {
			t.Fatalf("ListRoleChanges: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("ListRoleChanges(\"\") returned %d entries, want 3", len(all))
		}
	})
}

func TestWithTxRollsBack(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		if _, err := f.NonTx().CreateUser("frank", model.RoleNewMember); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		boom := errors.New("boom")
		err := datastore.WithTx(context.Background(), f, func(tx datastore.DataStoreTx) error {
			msg := model.Message{Sender: "frank", Content: "lost"}
			if err := tx.CreateMessage(&msg); err != nil {
				return err
			}
			if err := tx.RecordActivity("frank", time.Now()); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("WithTx error = %v, want boom", err)
		}

		msgs, err := f.NonTx().RecentMessages(10)
		if err != nil {
			t.Fatalf("RecentMessages: %v", err)
		}
		if len(msgs) != 0 {
			t.Errorf("rolled back tx left %d messages", len(msgs))
		}
		u, err := f.NonTx().GetUserByHandle("frank")
		if err != nil {
			t.Fatalf("GetUserByHandle: %v", err)
		}
		if u.MessageCount != 0 {
			t.Errorf("rolled back tx left message count %d", u.MessageCount)
		}
	})
}

func TestWithTxCommits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, f datastore.DataProviderFactory) {
		if _, err := f.NonTx().CreateUser("gina", model.RoleNewMember); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
		err := datastore.WithTx(context.Background(), f, func(tx datastore.DataStoreTx) error {
			msg := model.Message{Sender: "gina", Content: "kept"}
			if err := tx.CreateMessage(&msg); err != nil {
				return err
			}
			return tx.RecordActivity("gina", time.Now())
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}

		u, err := f.NonTx().GetUserByHandle("gina")
		if err != nil {
			t.Fatalf("GetUserByHandle: %v", err)
		}
		if u.MessageCount != 1 {
			t.Errorf("message count = %d, want 1", u.MessageCount)
		}
	})
}
