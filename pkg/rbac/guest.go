package rbac

import (
	"fmt"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/model"
)

// GuestPolicy decides how handles without a stored user record are
// evaluated.
type GuestPolicy string

const (
	// GuestDeny refuses every permission to unknown handles.
	GuestDeny GuestPolicy = "deny"
	// GuestNewMember treats an unknown handle as an unflagged new member.
	GuestNewMember GuestPolicy = "new_member"
)

func ParseGuestPolicy(s string) (GuestPolicy, error) {
	switch GuestPolicy(s) {
	case GuestDeny, GuestNewMember:
		return GuestPolicy(s), nil
	case "":
		return GuestDeny, nil
	}
	return "", fmt.Errorf("%w: guest policy %q (want deny or new_member)", model.ErrValidation, s)
}

// GuestIdentity returns the transient identity used for handle under the
// policy, or nil when guests are denied. The result is never persisted.
func (p GuestPolicy) GuestIdentity(handle string, now time.Time) *model.User {
	if p != GuestNewMember {
		return nil
	}
	return &model.User{
		Handle:         handle,
		Role:           model.RoleNewMember,
		CreatedAt:      now,
		RoleAssignedAt: now,
	}
}
