package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/NicolasHaas/gotalk/pkg/broadcast"
	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/model"
)

// Websocket commands.
const (
	cmdSend    = "send"
	cmdAttach  = "attach"
	cmdHistory = "history"
	cmdPing    = "ping"
)

// command is a client frame.
type command struct {
	Cmd        string            `json:"cmd"`
	Content    string            `json:"content,omitempty"`
	QuoteID    *int64            `json:"quote_id,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	Caption    string            `json:"caption,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// reply answers a command. Topic events are written as broadcast.Event
// envelopes and never use this type.
type reply struct {
	Type     string             `json:"type"`
	Outcome  *chat.Outcome      `json:"outcome,omitempty"`
	Messages []chat.MessageView `json:"messages,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

// upgrade authenticates the connection before the websocket handshake. A
// bearer token names an identity, which joins as a guest when it has no
// stored record. Without a token ?guest=<handle> joins as a guest, and
// neither joins anonymously and read-only.
func (g *Gateway) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	handle, authed, err := g.authenticate(c)
	if err != nil {
		return err
	}
	guest := false
	if authed {
		// A token may outlive the identity it names.
		registered, err := g.backend.IsRegistered(handle)
		if err != nil {
			return err
		}
		guest = !registered
	} else {
		handle = strings.TrimSpace(c.Query("guest"))
		if handle != "" {
			if err := model.ValidateHandle(handle); err != nil {
				return err
			}
			registered, err := g.backend.IsRegistered(handle)
			if err != nil {
				return err
			}
			if registered {
				return fiber.NewError(fiber.StatusConflict, "handle belongs to a registered identity")
			}
			guest = true
		}
	}
	c.Locals(localHandle, handle)
	c.Locals(localGuest, guest)
	return c.Next()
}

// socket serialises writes; the event pump and the command loop share it.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (g *Gateway) serveSocket(conn *websocket.Conn) {
	handle, _ := conn.Locals(localHandle).(string)
	guest, _ := conn.Locals(localGuest).(bool)
	sessionID := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topics := []string{broadcast.TopicMessages, broadcast.TopicPresence, broadcast.TopicRoles}
	if handle != "" {
		topics = append(topics, broadcast.NoticeTopic(handle))
	}
	sub := g.backend.Subscribe(topics...)
	g.backend.OnConnect(ctx, handle, sessionID, guest)
	log := g.log.With("session", sessionID, "handle", handle)
	log.Debug("websocket connected", "guest", guest)

	s := &socket{conn: conn}
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for data := range sub.C {
			if err := s.write(data); err != nil {
				log.Debug("event write failed", "err", err)
				return
			}
		}
	}()

	defer func() {
		g.backend.Unsubscribe(sub)
		<-pumpDone
		g.backend.OnDisconnect(ctx, handle, sessionID)
		log.Debug("websocket closed")
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			if err := s.send(reply{Type: "error", Reason: "malformed command"}); err != nil {
				return
			}
			continue
		}
		if err := s.send(g.dispatch(ctx, handle, cmd)); err != nil {
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, handle string, cmd command) reply {
	switch cmd.Cmd {
	case cmdPing:
		return reply{Type: "pong"}
	case cmdHistory:
		views, err := g.backend.FetchRecentMessages(ctx, cmd.Limit)
		if err != nil {
			g.log.Error("history failed", "err", err)
			return reply{Type: "error", Reason: "internal error"}
		}
		return reply{Type: "history", Messages: views}
	case cmdSend, cmdAttach:
		if handle == "" {
			return reply{Type: "error", Reason: "anonymous connections are read-only"}
		}
		var (
			out chat.Outcome
			err error
		)
		if cmd.Cmd == cmdSend {
			out, err = g.backend.SubmitMessage(ctx, handle, cmd.Content, cmd.QuoteID)
		} else {
			if cmd.Attachment == nil {
				return reply{Type: "error", Reason: "attachment missing"}
			}
			out, err = g.backend.SubmitAttachment(ctx, handle, *cmd.Attachment, cmd.Caption)
		}
		if err != nil {
			g.log.Error("submit failed", "sender", handle, "err", err)
			return reply{Type: "error", Reason: "internal error"}
		}
		return reply{Type: "outcome", Outcome: &out}
	default:
		return reply{Type: "error", Reason: "unknown command " + cmd.Cmd}
	}
}
