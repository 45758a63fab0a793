package model

import (
	"fmt"
	"strings"
)

// Role is a tier in the community hierarchy. The numeric value is the
// tier's level; levels are strictly increasing from RoleNewMember to
// RoleSuperAdmin. The zero value is not a valid role.
type Role int

const (
	RoleNewMember  Role = iota + 1 // Can chat, no links or uploads
	RoleMember                     // Links and images
	RoleVIP                        // Custom emojis, VIP channels
	RoleModerator                  // Delete messages, mute users
	RoleAdmin                      // Ban users, manage roles, admin panel
	RoleSuperAdmin                 // Full system control
)

// Roles returns every role ordered by level, lowest first.
func Roles() []Role {
	return []Role{RoleNewMember, RoleMember, RoleVIP, RoleModerator, RoleAdmin, RoleSuperAdmin}
}

// TopRole is the highest tier.
const TopRole = RoleSuperAdmin

func (r Role) String() string {
	switch r {
	case RoleNewMember:
		return "new_member"
	case RoleMember:
		return "member"
	case RoleVIP:
		return "vip"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "unknown"
	}
}

// Valid returns true if the role is one of the defined tiers.
func (r Role) Valid() bool {
	return r >= RoleNewMember && r <= RoleSuperAdmin
}

// Level returns the tier's numeric level, or 0 for an unknown role.
func (r Role) Level() int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

// Next returns the tier directly above r. ok is false for the top tier
// and for unknown roles.
func (r Role) Next() (next Role, ok bool) {
	if !r.Valid() || r == TopRole {
		return 0, false
	}
	return r + 1, true
}

// DisplayName returns the human-readable tier name.
func (r Role) DisplayName() string {
	switch r {
	case RoleNewMember:
		return "New Member"
	case RoleMember:
		return "Member"
	case RoleVIP:
		return "VIP"
	case RoleModerator:
		return "Moderator"
	case RoleAdmin:
		return "Admin"
	case RoleSuperAdmin:
		return "Super Admin"
	default:
		return "Unknown"
	}
}

// Color returns the tier's badge colour as a hex string.
func (r Role) Color() string {
	switch r {
	case RoleNewMember:
		return "#94a3b8"
	case RoleMember:
		return "#06b6d4"
	case RoleVIP:
		return "#8b5cf6"
	case RoleModerator:
		return "#f59e0b"
	case RoleAdmin:
		return "#ef4444"
	case RoleSuperAdmin:
		return "#dc2626"
	default:
		return "#94a3b8"
	}
}

// Icon returns the tier's badge glyph.
func (r Role) Icon() string {
	switch r {
	case RoleNewMember:
		return "👤"
	case RoleMember:
		return "👥"
	case RoleVIP:
		return "⭐"
	case RoleModerator:
		return "🛡️"
	case RoleAdmin:
		return "👑"
	case RoleSuperAdmin:
		return "🔥"
	default:
		return ""
	}
}

// ProgressionCriteria describes what an identity needs to leave a tier
// for the next one. ApprovalTier 0 means the step is purely data-driven;
// higher values name the approval required (1 moderator, 2 admin,
// 3 super admin, 4 ownership transfer).
type ProgressionCriteria struct {
	MinDays      int `json:"min_days" yaml:"min_days"`
	MinMessages  int `json:"min_messages" yaml:"min_messages"`
	ApprovalTier int `json:"approval_tier" yaml:"approval_tier"`
}

// Automatic reports whether the step needs no human actor.
func (c ProgressionCriteria) Automatic() bool {
	return c.ApprovalTier == 0
}

// Criteria returns the progression criteria for leaving r. Unknown roles
// get the strictest criteria so they never progress automatically.
func (r Role) Criteria() ProgressionCriteria {
	switch r {
	case RoleNewMember:
		return ProgressionCriteria{MinDays: 7, MinMessages: 10, ApprovalTier: 0}
	case RoleMember:
		return ProgressionCriteria{MinDays: 30, MinMessages: 100, ApprovalTier: 0}
	case RoleVIP:
		return ProgressionCriteria{ApprovalTier: 1}
	case RoleModerator:
		return ProgressionCriteria{ApprovalTier: 2}
	case RoleAdmin:
		return ProgressionCriteria{ApprovalTier: 3}
	default:
		return ProgressionCriteria{ApprovalTier: 4}
	}
}

// ParseRole converts external input to a Role. Matching ignores case,
// spaces, hyphens and underscores, so "Super Admin", "super_admin" and
// "SUPERADMIN" are equivalent.
func ParseRole(s string) (Role, error) {
	key := strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch key {
	case "new", "newmember":
		return RoleNewMember, nil
	case "member":
		return RoleMember, nil
	case "vip":
		return RoleVIP, nil
	case "moderator", "mod":
		return RoleModerator, nil
	case "admin":
		return RoleAdmin, nil
	case "superadmin":
		return RoleSuperAdmin, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// MarshalText encodes the role by name so YAML and JSON carry "vip"
// rather than 3.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText parses a role name.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
