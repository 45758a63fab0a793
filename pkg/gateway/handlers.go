package gateway

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/model"
)

type submitRequest struct {
	Content string `json:"content"`
	QuoteID *int64 `json:"quote_id,omitempty"`
}

type attachmentRequest struct {
	model.Attachment
	Caption string `json:"caption,omitempty"`
}

type roleRequest struct {
	Target string `json:"target"`
	Role   string `json:"role"`
}

func (g *Gateway) handleRecent(c *fiber.Ctx) error {
	views, err := g.backend.FetchRecentMessages(c.UserContext(), c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(views)
}

func (g *Gateway) handleSubmit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	out, err := g.backend.SubmitMessage(c.UserContext(), c.Locals(localHandle).(string), req.Content, req.QuoteID)
	return g.writeOutcome(c, out, err)
}

func (g *Gateway) handleAttachment(c *fiber.Ctx) error {
	var req attachmentRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed body")
	}
	out, err := g.backend.SubmitAttachment(c.UserContext(), c.Locals(localHandle).(string), req.Attachment, req.Caption)
	return g.writeOutcome(c, out, err)
}

func (g *Gateway) writeOutcome(c *fiber.Ctx, out chat.Outcome, err error) error {
	if err != nil {
		return err
	}
	if out.Accepted() {
		return c.Status(fiber.StatusCreated).JSON(out)
	}
	return c.Status(statusFor(out.Class)).JSON(out)
}

func (g *Gateway) handleRoster(c *fiber.Ctx) error {
	roster, err := g.backend.Roster()
	if err != nil {
		return err
	}
	return c.JSON(roster)
}

func (g *Gateway) handlePermission(c *fiber.Ctx) error {
	handle, perm := c.Params("handle"), c.Params("permission")
	allowed, err := g.backend.CheckPermission(handle, perm)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"handle": handle, "permission": perm, "allowed": allowed})
}

func (g *Gateway) handleOnlineCount(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"online": g.backend.OnlineCount()})
}

func (g *Gateway) handlePresence(c *fiber.Ctx) error {
	handle := c.Params("handle")
	return c.JSON(fiber.Map{"handle": handle, "online": g.backend.IsOnline(handle)})
}

func (g *Gateway) handleRoleStats(c *fiber.Ctx) error {
	stats, err := g.backend.RoleStatistics()
	if err != nil {
		return err
	}
	out := make(map[string]int, len(stats))
	for role, n := range stats {
		out[role.String()] = n
	}
	return c.JSON(out)
}

func (g *Gateway) handleRoleHistory(c *fiber.Ctx) error {
	changes, err := g.backend.RoleHistory(c.Query("handle"))
	if err != nil {
		return err
	}
	if changes == nil {
		changes = []model.RoleChange{}
	}
	return c.JSON(changes)
}

type roleChangeFunc func(ctx context.Context, target string, role model.Role, actor string) (*model.RoleChange, error)

func (g *Gateway) handleRoleChange(apply roleChangeFunc) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req roleRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed body")
		}
		role, err := model.ParseRole(req.Role)
		if err != nil {
			return err
		}
		change, err := apply(c.UserContext(), req.Target, role, c.Locals(localHandle).(string))
		if err != nil {
			return err
		}
		return c.JSON(change)
	}
}
