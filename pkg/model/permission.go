package model

import (
	"fmt"
	"strings"
)

// Permission is a named capability a role may grant.
type Permission int

const (
	PermSendMessages Permission = iota
	PermSendLinks
	PermUploadImages
	PermUseCustomEmojis
	PermAccessVIPChannels
	PermDeleteMessages
	PermMuteUsers
	PermBanUsers
	PermViewAuditLog
	PermManageRoles
	PermAccessAdminPanel
	PermViewSystemStats
	PermSystemConfiguration
	PermDatabaseAccess
	PermManagePermissions
	PermOwnershipTransfer

	permCount // sentinel, keep last
)

// Permissions returns every defined permission.
func Permissions() []Permission {
	perms := make([]Permission, 0, permCount)
	for p := Permission(0); p < permCount; p++ {
		perms = append(perms, p)
	}
	return perms
}

var permNames = [permCount]string{
	PermSendMessages:        "send_messages",
	PermSendLinks:           "send_links",
	PermUploadImages:        "upload_images",
	PermUseCustomEmojis:     "use_custom_emojis",
	PermAccessVIPChannels:   "access_vip_channels",
	PermDeleteMessages:      "delete_messages",
	PermMuteUsers:           "mute_users",
	PermBanUsers:            "ban_users",
	PermViewAuditLog:        "view_audit_log",
	PermManageRoles:         "manage_roles",
	PermAccessAdminPanel:    "access_admin_panel",
	PermViewSystemStats:     "view_system_stats",
	PermSystemConfiguration: "system_configuration",
	PermDatabaseAccess:      "database_access",
	PermManagePermissions:   "manage_permissions",
	PermOwnershipTransfer:   "ownership_transfer",
}

// Valid returns true for a defined permission.
func (p Permission) Valid() bool {
	return p >= 0 && p < permCount
}

func (p Permission) String() string {
	if !p.Valid() {
		return "unknown"
	}
	return permNames[p]
}

// ParsePermission resolves an external permission name. It accepts the
// snake_case name in any letter case ("SEND_LINKS", "send_links").
func ParsePermission(name string) (Permission, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for p, n := range permNames {
		if n == key {
			return Permission(p), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPermission, name)
}

// Category groups permissions. Each category is implicitly gated by a
// minimum role.
type Category int

const (
	CategoryChat Category = iota
	CategoryModeration
	CategoryAdministration
	CategorySystem
)

func (c Category) String() string {
	switch c {
	case CategoryChat:
		return "chat"
	case CategoryModeration:
		return "moderation"
	case CategoryAdministration:
		return "administration"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// MinRole is the lowest tier that may hold any permission of c.
func (c Category) MinRole() Role {
	switch c {
	case CategoryChat:
		return RoleNewMember
	case CategoryModeration:
		return RoleModerator
	case CategoryAdministration:
		return RoleAdmin
	default:
		return RoleSuperAdmin
	}
}

// Category returns the single category p belongs to.
func (p Permission) Category() Category {
	switch p {
	case PermSendMessages, PermSendLinks, PermUploadImages, PermUseCustomEmojis, PermAccessVIPChannels:
		return CategoryChat
	case PermDeleteMessages, PermMuteUsers, PermBanUsers, PermViewAuditLog:
		return CategoryModeration
	case PermManageRoles, PermAccessAdminPanel, PermViewSystemStats:
		return CategoryAdministration
	default:
		return CategorySystem
	}
}
