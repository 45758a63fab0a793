package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/store"

	"github.com/google/go-cmp/cmp"
)

func TestMemoryStoreUsesClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	st := store.NewMemoryWithClock(func() time.Time { return fixed })

	user, err := st.NonTx().CreateUser("johndoe", model.RoleNewMember)
	if err != nil {
		t.Fatalf("CreateUser: unexpected error: %v", err)
	}
	want := fixed.Truncate(time.Second)
	if !user.CreatedAt.Equal(want) || !user.RoleAssignedAt.Equal(want) {
		t.Errorf("CreateUser times = %v / %v, want %v", user.CreatedAt, user.RoleAssignedAt, want)
	}

	msg := model.Message{Sender: "johndoe", Content: "hi"}
	if err := st.NonTx().CreateMessage(&msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if !msg.CreatedAt.Equal(want) {
		t.Errorf("message time = %v, want %v", msg.CreatedAt, want)
	}
}

func TestMemoryStoreCopyOnRead(t *testing.T) {
	st := store.NewMemory()
	if _, err := st.NonTx().CreateUser("alice", model.RoleMember); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	u, _ := st.NonTx().GetUserByHandle("alice")
	u.Role = model.RoleSuperAdmin

	again, _ := st.NonTx().GetUserByHandle("alice")
	if again.Role != model.RoleMember {
		t.Errorf("mutating a returned user changed the store: role=%s", again.Role)
	}

	msg := model.Message{Sender: "alice", Content: "x", Quote: &model.QuoteSnapshot{ID: 1, Sender: "bob", Content: "orig"}}
	if err := st.NonTx().CreateMessage(&msg); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	msg.Quote.Content = "edited"
	got, _ := st.NonTx().GetMessage(msg.ID)
	if diff := cmp.Diff("orig", got.Quote.Content); diff != "" {
		t.Errorf("stored quote aliased caller memory (-want +got):\n%s", diff)
	}
}

func TestMemoryTxDone(t *testing.T) {
	st := store.NewMemory()
	tx, err := st.Tx(context.Background())
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Rollback(); err == nil {
		t.Error("Rollback after Commit should fail")
	}
	if _, err := tx.CreateUser("late", model.RoleMember); err == nil {
		t.Error("write after Commit should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := st.Tx(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Tx with cancelled ctx error = %v", err)
	}
}

func TestMemoryTxRollbackRestoresUser(t *testing.T) {
	st := store.NewMemory()
	if _, err := st.NonTx().CreateUser("bob", model.RoleMember); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	tx, err := st.Tx(context.Background())
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.UpdateUserRole("bob", model.RoleVIP, "mod", time.Now()); err != nil {
		t.Fatalf("UpdateUserRole: %v", err)
	}
	if _, err := tx.CreateUser("carl", model.RoleMember); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := tx.RecordRoleChange(&model.RoleChange{Handle: "bob", Previous: model.RoleMember, New: model.RoleVIP}); err != nil {
		t.Fatalf("RecordRoleChange: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	bob, _ := st.NonTx().GetUserByHandle("bob")
	if bob.Role != model.RoleMember {
		t.Errorf("bob role = %s after rollback", bob.Role)
	}
	if carl, _ := st.NonTx().GetUserByHandle("carl"); carl != nil {
		t.Error("carl survived rollback")
	}
	if changes, _ := st.NonTx().ListRoleChanges(""); len(changes) != 0 {
		t.Errorf("%d audit entries survived rollback", len(changes))
	}
}

func TestMemoryTxRollbackKeepsOtherWriters(t *testing.T) {
	st := store.NewMemory()
	if _, err := st.NonTx().CreateUser("bob", model.RoleMember); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	tx, err := st.Tx(context.Background())
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.RecordActivity("bob", time.Now()); err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	// Another writer commits while tx is open.
	other, _ := st.NonTx().GetUserByHandle("bob")
	other.Muted = true
	if err := st.NonTx().SaveUser(other); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := st.NonTx().UpdateUserRole("bob", model.RoleVIP, "mod", time.Now()); err != nil {
		t.Fatalf("UpdateUserRole: %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	bob, _ := st.NonTx().GetUserByHandle("bob")
	type state struct {
		Role         model.Role
		Muted        bool
		MessageCount int64
		Active       bool
	}
	want := state{Role: model.RoleVIP, Muted: true}
	got := state{Role: bob.Role, Muted: bob.Muted, MessageCount: bob.MessageCount, Active: !bob.LastActivityAt.IsZero()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("user after rollback mismatch (-want +got):\n%s", diff)
	}
}
