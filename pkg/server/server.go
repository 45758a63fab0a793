// Package server wires the gotalk components together and exposes the chat
// operations used by the gateway and the CLI.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/gotalk/pkg/broadcast"
	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/presence"
	"github.com/NicolasHaas/gotalk/pkg/progression"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
	// Redis is used by the redis backend instead of dialing cfg.Redis.
	// The caller keeps ownership.
	Redis *redis.Client
	// Clock overrides time.Now.
	Clock func() time.Time
}

// Server is the main gotalk server.
type Server struct {
	cfg      Config
	store    datastore.DataProviderFactory
	hub      *broadcast.Hub
	bus      broadcast.Broadcaster
	relay    *broadcast.RedisBroadcaster
	redis    *redis.Client // owned client, nil when injected or unused
	registry *presence.Registry
	pipeline *chat.Pipeline
	engine   *progression.Engine
	metrics  *Metrics
	guests   rbac.GuestPolicy
	now      func() time.Time
	log      *slog.Logger
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		hub:      broadcast.NewHub(broadcast.DefaultBufferSize),
		registry: presence.NewRegistry(),
		metrics:  NewMetrics(),
		now:      now,
		log:      logging.For("server"),
	}
	s.guests, _ = rbac.ParseGuestPolicy(cfg.GuestPolicy)
	s.bus = s.hub

	if cfg.Broadcast == BackendRedis {
		client := deps.Redis
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			s.redis = client
		}
		s.relay = broadcast.NewRedisBroadcasterFromClient(client, cfg.Redis.Prefix)
		s.bus = s.relay
	}

	s.pipeline = chat.NewPipeline(cfg.chatConfig(), s.store, s.bus,
		chat.WithClock(now), chat.WithRecorder(s.metrics))
	s.engine = progression.NewEngine(s.store, s.bus,
		progression.WithClock(now), progression.WithRecorder(s.metrics))
	return s, nil
}

// Close releases every component. It is safe to call once.
func (s *Server) Close() error {
	s.registry.Close()
	s.hub.Close()
	var errs []error
	if s.relay != nil {
		errs = append(errs, s.relay.Close())
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the presence registry.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// Hub returns the local event hub. With the redis backend it is fed by
// the relay.
func (s *Server) Hub() *broadcast.Hub {
	return s.hub
}

// MetricsSnapshot combines the counters with live gauges.
func (s *Server) MetricsSnapshot() MetricsSnapshot {
	snap := s.metrics.Snapshot()
	snap.OnlineIdentities = s.registry.OnlineCount()
	snap.ActiveSessions = s.registry.Count()
	snap.EventsDelivered, snap.EventsDropped = s.hub.Stats()
	return snap
}

// SubmitMessage runs content from sender through the message pipeline.
func (s *Server) SubmitMessage(ctx context.Context, sender, content string, quoteRef *int64) (chat.Outcome, error) {
	return s.pipeline.Submit(ctx, sender, content, quoteRef)
}

// SubmitAttachment shares externally stored media from sender.
func (s *Server) SubmitAttachment(ctx context.Context, sender string, att model.Attachment, caption string) (chat.Outcome, error) {
	return s.pipeline.SubmitAttachment(ctx, sender, att, caption)
}

// FetchRecentMessages returns recent history, oldest first.
func (s *Server) FetchRecentMessages(ctx context.Context, limit int) ([]chat.MessageView, error) {
	return s.pipeline.FetchRecent(ctx, limit)
}

// identity loads handle, falling back to the guest policy. A nil user
// means the handle is unknown and guests are denied.
func (s *Server) identity(handle string) (*model.User, error) {
	u, err := s.store.NonTx().GetUserByHandle(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: load %q: %w", model.ErrSystem, handle, err)
	}
	if u != nil {
		return u, nil
	}
	return s.guests.GuestIdentity(handle, s.now()), nil
}

// IsRegistered reports whether handle belongs to a stored identity.
func (s *Server) IsRegistered(handle string) (bool, error) {
	u, err := s.store.NonTx().GetUserByHandle(handle)
	if err != nil {
		return false, fmt.Errorf("%w: load %q: %w", model.ErrSystem, handle, err)
	}
	return u != nil, nil
}

// CheckPermission reports whether handle holds the named permission. An
// unknown permission name is a validation error.
func (s *Server) CheckPermission(handle, permission string) (bool, error) {
	perm, err := model.ParsePermission(permission)
	if err != nil {
		return false, err
	}
	u, err := s.identity(handle)
	if err != nil {
		return false, err
	}
	return rbac.Evaluate(u, perm), nil
}

// CheckModeration reports whether actor may apply the named moderation
// permission to target.
func (s *Server) CheckModeration(actorHandle, targetHandle, permission string) (bool, error) {
	perm, err := model.ParsePermission(permission)
	if err != nil {
		return false, err
	}
	st := s.store.NonTx()
	actor, err := st.GetUserByHandle(actorHandle)
	if err != nil {
		return false, fmt.Errorf("%w: load actor: %w", model.ErrSystem, err)
	}
	target, err := st.GetUserByHandle(targetHandle)
	if err != nil {
		return false, fmt.Errorf("%w: load target: %w", model.ErrSystem, err)
	}
	if actor == nil || target == nil {
		return false, fmt.Errorf("%w: %q or %q", model.ErrUserNotFound, actorHandle, targetHandle)
	}
	return rbac.CanModerate(actor, target, perm), nil
}

// AssignRole promotes target to role on behalf of actor.
func (s *Server) AssignRole(ctx context.Context, targetHandle string, role model.Role, actorHandle string) (*model.RoleChange, error) {
	change, err := s.engine.Assign(ctx, targetHandle, role, actorHandle)
	if err != nil {
		s.log.Info("role assignment refused", "target", targetHandle, "role", role.String(), "actor", actorHandle, "err", err)
		return nil, err
	}
	return change, nil
}

// DemoteRole moves target down to role on behalf of actor.
func (s *Server) DemoteRole(ctx context.Context, targetHandle string, role model.Role, actorHandle string) (*model.RoleChange, error) {
	change, err := s.engine.Demote(ctx, targetHandle, role, actorHandle)
	if err != nil {
		s.log.Info("role demotion refused", "target", targetHandle, "role", role.String(), "actor", actorHandle, "err", err)
		return nil, err
	}
	return change, nil
}

// RunAutomaticProgression promotes every eligible identity once.
func (s *Server) RunAutomaticProgression(ctx context.Context) (int, error) {
	return s.engine.ProcessAll(ctx)
}

// RoleStatistics counts identities per role.
func (s *Server) RoleStatistics() (map[model.Role]int, error) {
	return s.engine.Statistics()
}

// RoleHistory returns the role audit trail of handle, or of everyone when
// handle is empty.
func (s *Server) RoleHistory(handle string) ([]model.RoleChange, error) {
	changes, err := s.store.NonTx().ListRoleChanges(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: role history: %w", model.ErrSystem, err)
	}
	return changes, nil
}

// OnConnect registers a gateway session. Anonymous connections (empty
// handle) are counted but not tracked.
func (s *Server) OnConnect(ctx context.Context, handle, sessionID string, guest bool) {
	s.metrics.TotalConnects.Add(1)
	if handle == "" {
		s.log.Debug("anonymous connection", "session", sessionID)
		return
	}
	if s.registry.Register(handle, sessionID, guest) {
		s.publishPresence(ctx, handle, true, guest)
	}
	s.log.Debug("session registered", "handle", handle, "session", sessionID, "guest", guest)
}

// OnDisconnect removes a gateway session. Removing an unknown session is a
// no-op apart from the counter.
func (s *Server) OnDisconnect(ctx context.Context, handle, sessionID string) {
	s.metrics.TotalDisconnects.Add(1)
	owner, last := s.registry.Remove(sessionID)
	if owner == "" {
		s.log.Debug("disconnect for untracked session", "handle", handle, "session", sessionID)
		return
	}
	if last {
		s.publishPresence(ctx, owner, false, false)
	}
	s.log.Debug("session removed", "handle", owner, "session", sessionID, "offline", last)
}

// IsOnline reports whether handle has at least one session.
func (s *Server) IsOnline(handle string) bool {
	return s.registry.IsOnline(handle)
}

// OnlineCount returns the number of online identities.
func (s *Server) OnlineCount() int {
	return s.registry.OnlineCount()
}

// Roster lists stored identities and connected guests with presence.
func (s *Server) Roster() ([]presence.RosterEntry, error) {
	users, err := s.store.NonTx().ListUsers()
	if err != nil {
		return nil, fmt.Errorf("%w: roster: %w", model.ErrSystem, err)
	}
	return presence.Roster(users, s.registry), nil
}

// Subscribe attaches to the local hub.
func (s *Server) Subscribe(topics ...string) *broadcast.Subscription {
	return s.hub.Subscribe(topics...)
}

// Unsubscribe detaches sub from the local hub.
func (s *Server) Unsubscribe(sub *broadcast.Subscription) {
	s.hub.Unsubscribe(sub)
}

// AuthFailed counts a rejected bearer token.
func (s *Server) AuthFailed() {
	s.metrics.FailedAuths.Add(1)
}

// ExpireSessions drops sessions older than the configured max age and
// announces identities that went offline. It returns the number of
// sessions removed.
func (s *Server) ExpireSessions(ctx context.Context) int {
	if s.cfg.SessionMaxAge <= 0 {
		return 0
	}
	expired := s.registry.ExpireBefore(s.now().Add(-s.cfg.SessionMaxAge))
	announced := make(map[string]bool)
	for _, sess := range expired {
		s.metrics.ExpiredSessions.Add(1)
		s.metrics.TotalDisconnects.Add(1)
		if announced[sess.Handle] || s.registry.IsOnline(sess.Handle) {
			continue
		}
		announced[sess.Handle] = true
		s.publishPresence(ctx, sess.Handle, false, sess.Guest)
	}
	if len(expired) > 0 {
		s.log.Info("expired stale sessions", "count", len(expired))
	}
	return len(expired)
}

// EnsureOwner creates the configured owner as super admin on first run.
func (s *Server) EnsureOwner() error {
	if s.cfg.Owner == "" {
		return nil
	}
	st := s.store.NonTx()
	existing, err := st.GetUserByHandle(s.cfg.Owner)
	if err != nil {
		return fmt.Errorf("server: check owner: %w", err)
	}
	if existing != nil {
		return nil // already seeded, don't touch it
	}
	if _, err := st.CreateUser(s.cfg.Owner, model.RoleSuperAdmin); err != nil {
		return fmt.Errorf("server: create owner: %w", err)
	}
	s.log.Info("========================================")
	s.log.Info("OWNER CREATED:", "handle", s.cfg.Owner, "role", model.RoleSuperAdmin.DisplayName())
	s.log.Info("========================================")
	return nil
}

func (s *Server) publishPresence(ctx context.Context, handle string, online, guest bool) {
	payload := broadcast.Presence{Handle: handle, Online: online, Guest: guest}
	if err := broadcast.Publish(ctx, s.bus, broadcast.TopicPresence, broadcast.EventPresence, payload); err != nil {
		s.metrics.BroadcastFailed()
		s.log.Warn("presence broadcast failed", "handle", handle, "err", err)
	}
}
