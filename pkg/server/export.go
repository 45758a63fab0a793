package server

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID           int64      `yaml:"id"`
	Handle       string     `yaml:"handle"`
	Role         model.Role `yaml:"role"`
	Banned       bool       `yaml:"banned,omitempty"`
	Muted        bool       `yaml:"muted,omitempty"`
	MessageCount int64      `yaml:"message_count"`
	RoleSince    string     `yaml:"role_since"`
	CreatedAt    string     `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// RoleYAML describes one tier of the hierarchy.
type RoleYAML struct {
	Name        string                    `yaml:"name"`
	DisplayName string                    `yaml:"display_name"`
	Level       int                       `yaml:"level"`
	Color       string                    `yaml:"color"`
	Icon        string                    `yaml:"icon"`
	Members     int                       `yaml:"members"`
	Criteria    model.ProgressionCriteria `yaml:"criteria"`
	Permissions []string                  `yaml:"permissions"`
}

// RolesExport is the top-level YAML for role export.
type RolesExport struct {
	Roles []RoleYAML `yaml:"roles"`
}

const exportTimeLayout = "2006-01-02T15:04:05Z"

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(st datastore.DataProviderFactory) ([]byte, error) {
	users, err := st.NonTx().ListUsers()
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}

	export := UsersExport{Users: make([]UserYAML, 0, len(users))}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:           u.ID,
			Handle:       u.Handle,
			Role:         u.Role,
			Banned:       u.Banned,
			Muted:        u.Muted,
			MessageCount: u.MessageCount,
			RoleSince:    u.RoleAssignedAt.UTC().Format(exportTimeLayout),
			CreatedAt:    u.CreatedAt.UTC().Format(exportTimeLayout),
		})
	}
	return yaml.Marshal(&export)
}

// ExportRolesYAML exports the role hierarchy with member counts.
func ExportRolesYAML(st datastore.DataProviderFactory) ([]byte, error) {
	export := RolesExport{}
	for _, role := range model.Roles() {
		n, err := st.NonTx().CountUsersByRole(role)
		if err != nil {
			return nil, fmt.Errorf("export roles: %w", err)
		}
		perms := rbac.PermissionsOf(role)
		names := make([]string, 0, len(perms))
		for _, p := range perms {
			names = append(names, p.String())
		}
		export.Roles = append(export.Roles, RoleYAML{
			Name:        role.String(),
			DisplayName: role.DisplayName(),
			Level:       role.Level(),
			Color:       role.Color(),
			Icon:        role.Icon(),
			Members:     n,
			Criteria:    role.Criteria(),
			Permissions: names,
		})
	}
	return yaml.Marshal(&export)
}
