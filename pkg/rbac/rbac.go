// Package rbac answers "may this identity do that" over the fixed role
// hierarchy. All functions are total: unknown roles or permissions
// simply yield no permission.
package rbac

import (
	"fmt"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// permissionMatrix maps roles to their allowed permissions. Sets are a
// pure function of the role; there are no per-identity overrides.
var permissionMatrix = buildMatrix(map[model.Role][]model.Permission{
	model.RoleNewMember: {
		model.PermSendMessages,
	},
	model.RoleMember: {
		model.PermSendMessages,
		model.PermSendLinks,
		model.PermUploadImages,
	},
	model.RoleVIP: {
		model.PermSendMessages,
		model.PermSendLinks,
		model.PermUploadImages,
		model.PermUseCustomEmojis,
		model.PermAccessVIPChannels,
	},
	model.RoleModerator: {
		model.PermSendMessages,
		model.PermSendLinks,
		model.PermUploadImages,
		model.PermUseCustomEmojis,
		model.PermAccessVIPChannels,
		model.PermDeleteMessages,
		model.PermMuteUsers,
		model.PermViewAuditLog,
	},
	model.RoleAdmin: {
		model.PermSendMessages,
		model.PermSendLinks,
		model.PermUploadImages,
		model.PermUseCustomEmojis,
		model.PermAccessVIPChannels,
		model.PermDeleteMessages,
		model.PermMuteUsers,
		model.PermViewAuditLog,
		model.PermBanUsers,
		model.PermManageRoles,
		model.PermAccessAdminPanel,
		model.PermViewSystemStats,
	},
	model.RoleSuperAdmin: model.Permissions(),
})

func buildMatrix(lists map[model.Role][]model.Permission) map[model.Role]map[model.Permission]bool {
	m := make(map[model.Role]map[model.Permission]bool, len(lists))
	for role, perms := range lists {
		set := make(map[model.Permission]bool, len(perms))
		for _, p := range perms {
			if role.Level() < p.Category().MinRole().Level() {
				panic(fmt.Sprintf("rbac: %s granted %s below its category minimum", role, p))
			}
			set[p] = true
		}
		m[role] = set
	}
	return m
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// PermissionsOf returns the permission set of role in declaration order.
func PermissionsOf(role model.Role) []model.Permission {
	var out []model.Permission
	for _, p := range model.Permissions() {
		if HasPermission(role, p) {
			out = append(out, p)
		}
	}
	return out
}

// CanAssign reports whether an actor of role actor may place an identity
// into role target. Equal levels and self-level assignments are refused.
func CanAssign(actor, target model.Role) bool {
	if !actor.Valid() || !target.Valid() {
		return false
	}
	if actor == model.TopRole {
		return target.Level() < model.TopRole.Level()
	}
	return actor.Level() > target.Level()
}

// PromotionCeiling is the highest role actor may hand out manually, or 0
// when actor may not promote anyone.
func PromotionCeiling(actor model.Role) model.Role {
	switch actor {
	case model.RoleSuperAdmin:
		return model.RoleAdmin
	case model.RoleAdmin:
		return model.RoleModerator
	case model.RoleModerator:
		return model.RoleVIP
	default:
		return 0
	}
}

// Criteria returns the progression criteria for leaving role.
func Criteria(role model.Role) model.ProgressionCriteria {
	return role.Criteria()
}

// IsEligibleForAutomaticProgression reports whether u may move to the next
// tier without a human actor at time now.
func IsEligibleForAutomaticProgression(u *model.User, now time.Time) bool {
	if u == nil {
		return false
	}
	if _, ok := u.Role.Next(); !ok {
		return false
	}
	c := u.Role.Criteria()
	if !c.Automatic() {
		return false
	}
	return u.DaysInRole(now) >= c.MinDays && u.MessageCount >= int64(c.MinMessages)
}

// Evaluate checks perm for a concrete identity. Banned or muted identities
// fail every check regardless of role.
func Evaluate(u *model.User, perm model.Permission) bool {
	if u == nil || u.Restricted() {
		return false
	}
	return HasPermission(u.Role, perm)
}

// RequirePermission returns a human-readable rejection reason if u may not
// use perm, or an empty string if allowed.
func RequirePermission(u *model.User, perm model.Permission) string {
	switch {
	case u == nil:
		return "permission denied: unknown identity"
	case u.Banned:
		return "You are banned from sending messages"
	case u.Muted:
		return "You are muted and cannot send messages"
	case !HasPermission(u.Role, perm):
		return fmt.Sprintf("permission denied: %s requires a higher role than %s", perm, u.Role.DisplayName())
	}
	return ""
}

// CanModerate reports whether actor may apply the moderation permission
// perm to target: actor holds perm, is not target, and outranks target.
func CanModerate(actor, target *model.User, perm model.Permission) bool {
	if actor == nil || target == nil || actor.Handle == target.Handle {
		return false
	}
	if !Evaluate(actor, perm) {
		return false
	}
	return actor.Role.Level() > target.Role.Level()
}

// IsModeratorOrHigher and the helpers below are derived from the tier.
func IsModeratorOrHigher(role model.Role) bool {
	return role.Level() >= model.RoleModerator.Level()
}

func IsAdminOrHigher(role model.Role) bool {
	return role.Level() >= model.RoleAdmin.Level()
}

func IsSuperAdmin(role model.Role) bool {
	return role == model.RoleSuperAdmin
}
