// Package gateway is the HTTP and websocket front end. It authenticates
// connections, turns them into presence sessions and relays chat commands
// and topic events.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/NicolasHaas/gotalk/pkg/broadcast"
	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/presence"
)

// Backend is the set of chat operations the gateway drives.
type Backend interface {
	SubmitMessage(ctx context.Context, sender, content string, quoteRef *int64) (chat.Outcome, error)
	SubmitAttachment(ctx context.Context, sender string, att model.Attachment, caption string) (chat.Outcome, error)
	FetchRecentMessages(ctx context.Context, limit int) ([]chat.MessageView, error)

	CheckPermission(handle, permission string) (bool, error)
	AssignRole(ctx context.Context, targetHandle string, role model.Role, actorHandle string) (*model.RoleChange, error)
	DemoteRole(ctx context.Context, targetHandle string, role model.Role, actorHandle string) (*model.RoleChange, error)
	RoleStatistics() (map[model.Role]int, error)
	RoleHistory(handle string) ([]model.RoleChange, error)

	OnConnect(ctx context.Context, handle, sessionID string, guest bool)
	OnDisconnect(ctx context.Context, handle, sessionID string)
	IsOnline(handle string) bool
	OnlineCount() int
	Roster() ([]presence.RosterEntry, error)
	IsRegistered(handle string) (bool, error)

	Subscribe(topics ...string) *broadcast.Subscription
	Unsubscribe(sub *broadcast.Subscription)
	AuthFailed()
}

// Config controls the gateway.
type Config struct {
	// Verifier authenticates bearer tokens. Nil allows guest connections
	// only.
	Verifier *TokenVerifier
	// ShutdownTimeout bounds graceful shutdown (default 5s).
	ShutdownTimeout time.Duration
}

// Gateway serves the REST API and the /ws endpoint.
type Gateway struct {
	app      *fiber.App
	backend  Backend
	verifier *TokenVerifier
	cfg      Config
	log      *slog.Logger
}

// New builds the gateway and registers its routes.
func New(backend Backend, cfg Config) *Gateway {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	g := &Gateway{
		backend:  backend,
		verifier: cfg.Verifier,
		cfg:      cfg,
		log:      logging.For("gateway"),
	}
	g.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          g.handleError,
	})
	g.routes()
	return g
}

// App exposes the fiber application, mainly for app.Test.
func (g *Gateway) App() *fiber.App {
	return g.app
}

// Serve listens on addr until ctx is done.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		g.log.Info("gateway listening", "addr", addr)
		errCh <- g.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := g.app.ShutdownWithTimeout(g.cfg.ShutdownTimeout); err != nil {
			g.log.Warn("gateway shutdown", "err", err)
		}
		return nil
	}
}

func (g *Gateway) routes() {
	api := g.app.Group("/api")
	api.Get("/messages/recent", g.handleRecent)
	api.Post("/messages", g.requireIdentity, g.handleSubmit)
	api.Post("/attachments", g.requireIdentity, g.handleAttachment)

	api.Get("/users", g.handleRoster)
	api.Get("/users/:handle/permissions/:permission", g.handlePermission)
	api.Get("/presence", g.handleOnlineCount)
	api.Get("/presence/:handle", g.handlePresence)

	api.Get("/roles/stats", g.handleRoleStats)
	api.Get("/roles/history", g.handleRoleHistory)
	api.Post("/roles/assign", g.requireIdentity, g.handleRoleChange(g.backend.AssignRole))
	api.Post("/roles/demote", g.requireIdentity, g.handleRoleChange(g.backend.DemoteRole))

	g.app.Use("/ws", g.upgrade)
	g.app.Get("/ws", websocket.New(g.serveSocket))
}

const (
	localHandle = "handle"
	localGuest  = "guest"
)

// bearerToken reads the Authorization header, falling back to the token
// query parameter used by browser websocket clients.
func bearerToken(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(c.Query("token"))
}

// authenticate resolves the caller's handle from its bearer token. ok is
// false when no token was presented.
func (g *Gateway) authenticate(c *fiber.Ctx) (handle string, ok bool, err error) {
	token := bearerToken(c)
	if token == "" {
		return "", false, nil
	}
	if g.verifier == nil {
		g.backend.AuthFailed()
		return "", true, fiber.NewError(fiber.StatusUnauthorized, "token authentication disabled")
	}
	handle, err = g.verifier.VerifySubject(token)
	if err != nil {
		g.backend.AuthFailed()
		g.log.Info("token rejected", "ip", c.IP(), "err", err)
		return "", true, fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}
	return handle, true, nil
}

func (g *Gateway) requireIdentity(c *fiber.Ctx) error {
	handle, ok, err := g.authenticate(c)
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "bearer token required")
	}
	c.Locals(localHandle, handle)
	return c.Next()
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, ErrUnauthenticated):
		return fiber.StatusUnauthorized
	case errors.Is(err, model.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrPermissionDenied):
		return fiber.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func (g *Gateway) handleError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		g.log.Error("request failed", "method", c.Method(), "path", c.Path(), "err", err)
		msg = "internal error"
	}
	return c.Status(code).JSON(fiber.Map{"error": msg})
}
