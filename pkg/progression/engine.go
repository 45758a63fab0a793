// Package progression moves identities up and down the role hierarchy,
// either automatically from activity data or on behalf of an actor.
//
// Automatic and manual changes write the role field without a shared
// lock. Concurrent writers resolve last-writer-wins and every attempt that
// commits leaves its own audit entry.
package progression

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NicolasHaas/gotalk/pkg/broadcast"
	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

// Recorder receives progression counters.
type Recorder interface {
	RolePromoted()
	RoleAssigned()
}

type nopRecorder struct{}

func (nopRecorder) RolePromoted() {}
func (nopRecorder) RoleAssigned() {}

// Engine applies role changes. It is safe for concurrent use.
type Engine struct {
	store   datastore.DataProviderFactory
	bus     broadcast.Broadcaster
	metrics Recorder
	now     func() time.Time
	log     *slog.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRecorder reports counters to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// NewEngine builds an engine over store. bus may be nil, in which case
// role changes are not announced.
func NewEngine(store datastore.DataProviderFactory, bus broadcast.Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		bus:     bus,
		metrics: nopRecorder{},
		now:     time.Now,
		log:     logging.For("progression"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProcessOne promotes u to the next tier if it is eligible for automatic
// progression. On success u is updated in place, so a second call is a
// no-op until the new tier's criteria are met.
func (e *Engine) ProcessOne(ctx context.Context, u *model.User) (model.Role, bool, error) {
	now := e.now()
	if !rbac.IsEligibleForAutomaticProgression(u, now) {
		return 0, false, nil
	}
	next, _ := u.Role.Next()

	change := model.RoleChange{
		Handle:    u.Handle,
		Previous:  u.Role,
		New:       next,
		ChangedBy: model.SystemActor,
		Kind:      model.RoleChangeAutoPromotion,
		At:        now,
	}
	if err := e.apply(ctx, &change); err != nil {
		return 0, false, err
	}

	u.Role = next
	u.RoleAssignedAt = datastore.DBTime(now)
	u.RoleChangedBy = model.SystemActor
	e.metrics.RolePromoted()
	return next, true, nil
}

// ProcessAll runs ProcessOne over every identity. A failure on one
// identity is logged and the batch continues. It returns the number of
// identities promoted.
func (e *Engine) ProcessAll(ctx context.Context) (int, error) {
	users, err := e.store.NonTx().ListUsers()
	if err != nil {
		return 0, fmt.Errorf("%w: list users: %w", model.ErrSystem, err)
	}

	promoted := 0
	for i := range users {
		if err := ctx.Err(); err != nil {
			return promoted, err
		}
		if _, ok, err := e.ProcessOne(ctx, &users[i]); err != nil {
			e.log.Error("automatic progression failed", "handle", users[i].Handle, "err", err)
		} else if ok {
			promoted++
		}
	}
	if promoted > 0 {
		e.log.Info("automatic progression pass complete", "checked", len(users), "promoted", promoted)
	}
	return promoted, nil
}

// Assign promotes target to role on behalf of actor. The actor must be
// unrestricted, have a promotion ceiling, outrank both the target's current
// tier and role, and stay within that ceiling. A target already at or above
// role is a conflict and nothing changes.
func (e *Engine) Assign(ctx context.Context, targetHandle string, role model.Role, actorHandle string) (*model.RoleChange, error) {
	actor, target, err := e.loadPair(actorHandle, targetHandle, role, mayPromote)
	if err != nil {
		return nil, err
	}

	switch {
	case !rbac.CanAssign(actor.Role, role):
		return nil, fmt.Errorf("%w: %s cannot assign %s", model.ErrConflict, actor.Role.DisplayName(), role.DisplayName())
	case role.Level() > rbac.PromotionCeiling(actor.Role).Level():
		return nil, fmt.Errorf("%w: %s may promote up to %s", model.ErrConflict,
			actor.Role.DisplayName(), rbac.PromotionCeiling(actor.Role).DisplayName())
	case actor.Role.Level() <= target.Role.Level():
		return nil, fmt.Errorf("%w: %s cannot change the role of a %s", model.ErrConflict,
			actor.Role.DisplayName(), target.Role.DisplayName())
	case target.Role.Level() >= role.Level():
		return nil, fmt.Errorf("%w: %s already holds %s", model.ErrConflict, target.Handle, target.Role.DisplayName())
	}

	change := &model.RoleChange{
		Handle:    target.Handle,
		Previous:  target.Role,
		New:       role,
		ChangedBy: actor.Handle,
		Kind:      model.RoleChangePromotion,
		At:        e.now(),
	}
	if err := e.apply(ctx, change); err != nil {
		return nil, err
	}
	e.metrics.RoleAssigned()
	return change, nil
}

// Demote moves target down to role on behalf of actor. The actor must hold
// MANAGE_ROLES and outrank the target's current tier.
func (e *Engine) Demote(ctx context.Context, targetHandle string, role model.Role, actorHandle string) (*model.RoleChange, error) {
	actor, target, err := e.loadPair(actorHandle, targetHandle, role, mayManageRoles)
	if err != nil {
		return nil, err
	}

	switch {
	case actor.Role.Level() <= target.Role.Level():
		return nil, fmt.Errorf("%w: %s cannot demote a %s", model.ErrConflict,
			actor.Role.DisplayName(), target.Role.DisplayName())
	case role.Level() >= target.Role.Level():
		return nil, fmt.Errorf("%w: %s is not below %s", model.ErrConflict,
			role.DisplayName(), target.Role.DisplayName())
	}

	change := &model.RoleChange{
		Handle:    target.Handle,
		Previous:  target.Role,
		New:       role,
		ChangedBy: actor.Handle,
		Kind:      model.RoleChangeDemotion,
		At:        e.now(),
	}
	if err := e.apply(ctx, change); err != nil {
		return nil, err
	}
	e.metrics.RoleAssigned()
	return change, nil
}

// mayPromote lets any unrestricted tier with a promotion ceiling hand out
// roles up to that ceiling.
func mayPromote(actor *model.User) error {
	if actor.Restricted() || rbac.PromotionCeiling(actor.Role) == 0 {
		return fmt.Errorf("%w: %s may not promote", model.ErrPermissionDenied, actor.Handle)
	}
	return nil
}

func mayManageRoles(actor *model.User) error {
	if !rbac.Evaluate(actor, model.PermManageRoles) {
		return fmt.Errorf("%w: %s may not manage roles", model.ErrPermissionDenied, actor.Handle)
	}
	return nil
}

func (e *Engine) loadPair(actorHandle, targetHandle string, role model.Role, allowed func(*model.User) error) (actor, target *model.User, err error) {
	if !role.Valid() {
		return nil, nil, fmt.Errorf("%w: %d", model.ErrInvalidRole, int(role))
	}
	st := e.store.NonTx()
	if actor, err = st.GetUserByHandle(actorHandle); err != nil {
		return nil, nil, fmt.Errorf("%w: load actor: %w", model.ErrSystem, err)
	}
	if actor == nil {
		return nil, nil, fmt.Errorf("%w: actor %q", model.ErrUserNotFound, actorHandle)
	}
	if err := allowed(actor); err != nil {
		return nil, nil, err
	}
	if target, err = st.GetUserByHandle(targetHandle); err != nil {
		return nil, nil, fmt.Errorf("%w: load target: %w", model.ErrSystem, err)
	}
	if target == nil {
		return nil, nil, fmt.Errorf("%w: target %q", model.ErrUserNotFound, targetHandle)
	}
	return actor, target, nil
}

// apply writes the role and its audit entry in one transaction, then logs
// and announces the change.
func (e *Engine) apply(ctx context.Context, change *model.RoleChange) error {
	err := datastore.WithTx(ctx, e.store, func(tx datastore.DataStoreTx) error {
		if err := tx.UpdateUserRole(change.Handle, change.New, change.ChangedBy, change.At); err != nil {
			return err
		}
		return tx.RecordRoleChange(change)
	})
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", model.ErrSystem, change.Kind, change.Handle, err)
	}

	e.log.Info("role_change",
		"handle", change.Handle,
		"previous", change.Previous.String(),
		"new", change.New.String(),
		"changed_by", change.ChangedBy,
		"type", string(change.Kind),
	)

	if e.bus == nil {
		return nil
	}
	payload := broadcast.RoleChange{
		Handle:      change.Handle,
		Previous:    change.Previous,
		New:         change.New,
		DisplayName: change.New.DisplayName(),
		Color:       change.New.Color(),
		Icon:        change.New.Icon(),
		ChangedBy:   change.ChangedBy,
		Kind:        change.Kind,
	}
	if err := broadcast.Publish(ctx, e.bus, broadcast.TopicRoles, broadcast.EventRoleChange, payload); err != nil {
		e.log.Warn("role change broadcast failed", "handle", change.Handle, "err", err)
	}
	return nil
}

// Statistics counts identities per role.
func (e *Engine) Statistics() (map[model.Role]int, error) {
	st := e.store.NonTx()
	stats := make(map[model.Role]int, len(model.Roles()))
	for _, role := range model.Roles() {
		n, err := st.CountUsersByRole(role)
		if err != nil {
			return nil, fmt.Errorf("%w: count %s: %w", model.ErrSystem, role, err)
		}
		stats[role] = n
	}
	return stats, nil
}

// Run calls ProcessAll every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: progression interval must be positive", model.ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.ProcessAll(ctx); err != nil && ctx.Err() == nil {
				e.log.Error("automatic progression pass failed", "err", err)
			}
		}
	}
}
