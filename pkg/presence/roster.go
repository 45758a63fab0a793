package presence

import (
	"sort"

	"github.com/NicolasHaas/gotalk/pkg/avatar"
	"github.com/NicolasHaas/gotalk/pkg/model"
)

// RosterEntry is one line of the member list.
type RosterEntry struct {
	Handle    string `json:"handle"`
	Role      string `json:"role,omitempty"`
	RoleColor string `json:"role_color,omitempty"`
	RoleIcon  string `json:"role_icon,omitempty"`
	Avatar    string `json:"avatar"`
	Online    bool   `json:"online"`
	Guest     bool   `json:"guest"`
}

// Roster merges stored users with the connected guests in r. Online
// entries come first, then by role level (highest first), then by handle.
func Roster(users []model.User, r *Registry) []RosterEntry {
	entries := make([]RosterEntry, 0, len(users))
	known := make(map[string]bool, len(users))
	level := make(map[string]int, len(users))
	for i := range users {
		u := &users[i]
		known[u.Handle] = true
		level[u.Handle] = u.Role.Level()
		entries = append(entries, RosterEntry{
			Handle:    u.Handle,
			Role:      u.Role.DisplayName(),
			RoleColor: u.Role.Color(),
			RoleIcon:  u.Role.Icon(),
			Avatar:    avatar.Resolve(u, u.Handle),
			Online:    r.IsOnline(u.Handle),
		})
	}
	for _, h := range r.ConnectedIdentities() {
		if known[h] {
			continue
		}
		entries = append(entries, RosterEntry{
			Handle: h,
			Avatar: avatar.Default(h),
			Online: true,
			Guest:  true,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Online != b.Online {
			return a.Online
		}
		if level[a.Handle] != level[b.Handle] {
			return level[a.Handle] > level[b.Handle]
		}
		return a.Handle < b.Handle
	})
	return entries
}
