package presence

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

func TestRoster(t *testing.T) {
	r := NewRegistry()
	r.Register("bob", "s1", false)
	r.Register("guest7", "s2", true)
	r.Register("zed", "s3", false)

	users := []model.User{
		{Handle: "alice", Role: model.RoleAdmin},
		{Handle: "bob", Role: model.RoleMember},
		{Handle: "zed", Role: model.RoleModerator, AvatarURL: "https://cdn.example/zed.png"},
	}

	got := Roster(users, r)

	type line struct {
		Handle string
		Online bool
		Guest  bool
		Role   string
	}
	var lines []line
	for _, e := range got {
		lines = append(lines, line{e.Handle, e.Online, e.Guest, e.Role})
	}
	want := []line{
		{"zed", true, false, "Moderator"},
		{"bob", true, false, "Member"},
		{"guest7", true, true, ""},
		{"alice", false, false, "Admin"},
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("Roster order mismatch (-want +got):\n%s", diff)
	}
	if got[0].Avatar != "https://cdn.example/zed.png" {
		t.Errorf("stored avatar not used: %q", got[0].Avatar)
	}
	if got[2].Avatar == "" {
		t.Error("guest entry has no avatar")
	}
}
