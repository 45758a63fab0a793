// Package chat validates, persists and broadcasts chat messages.
//
// A submission moves RECEIVED -> VALIDATED -> PERSISTED -> BROADCAST, or
// stops at REJECTED. Rejections never persist or broadcast the original
// content.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/gotalk/pkg/broadcast"
	"github.com/NicolasHaas/gotalk/pkg/datastore"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/rbac"
)

// NoticeScope selects who sees a rejection notice.
type NoticeScope string

const (
	NoticeNone   NoticeScope = "none"
	NoticeSender NoticeScope = "sender"
	NoticeAll    NoticeScope = "all"
)

func ParseNoticeScope(s string) (NoticeScope, error) {
	switch NoticeScope(s) {
	case NoticeNone, NoticeSender, NoticeAll:
		return NoticeScope(s), nil
	case "":
		return NoticeSender, nil
	}
	return "", fmt.Errorf("%w: rejection notice scope %q (want none, sender or all)", model.ErrValidation, s)
}

// History limits.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 30
)

// Config tunes the pipeline. Zero values pick the defaults.
type Config struct {
	GuestPolicy      rbac.GuestPolicy
	NoticeScope      NoticeScope
	MaxContentLength int
	HistoryDefault   int
	HistoryMax       int
}

func (c Config) withDefaults() Config {
	if c.GuestPolicy == "" {
		c.GuestPolicy = rbac.GuestDeny
	}
	if c.NoticeScope == "" {
		c.NoticeScope = NoticeSender
	}
	if c.MaxContentLength <= 0 || c.MaxContentLength > model.MessageMaxContentLength {
		c.MaxContentLength = model.MessageMaxContentLength
	}
	if c.HistoryMax <= 0 {
		c.HistoryMax = MaxHistoryLimit
	}
	if c.HistoryDefault <= 0 || c.HistoryDefault > c.HistoryMax {
		c.HistoryDefault = min(DefaultHistoryLimit, c.HistoryMax)
	}
	return c
}

// Recorder receives pipeline counters.
type Recorder interface {
	MessageAccepted()
	MessageRejected()
	PersistFailed()
	BroadcastFailed()
}

type nopRecorder struct{}

func (nopRecorder) MessageAccepted() {}
func (nopRecorder) MessageRejected() {}
func (nopRecorder) PersistFailed()   {}
func (nopRecorder) BroadcastFailed() {}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	cfg     Config
	store   datastore.DataProviderFactory
	bus     broadcast.Broadcaster
	metrics Recorder
	now     func() time.Time
	log     *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRecorder reports counters to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.metrics = r }
}

// NewPipeline wires a pipeline over store and bus.
func NewPipeline(cfg Config, store datastore.DataProviderFactory, bus broadcast.Broadcaster, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		store:   store,
		bus:     bus,
		metrics: nopRecorder{},
		now:     time.Now,
		log:     logging.For("chat"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// draft is a submission after normalisation.
type draft struct {
	sender     string
	content    string
	quoteRef   *int64
	attachment *model.Attachment
}

// Submit runs a text message through the pipeline. quoteRef optionally
// names a message to quote; a dangling reference is dropped.
//
// Validation and permission failures come back as a rejected Outcome with
// a nil error. A store failure returns an error wrapping model.ErrSystem
// and nothing is broadcast.
func (p *Pipeline) Submit(ctx context.Context, sender, content string, quoteRef *int64) (Outcome, error) {
	d := draft{sender: strings.TrimSpace(sender), content: strings.TrimSpace(content), quoteRef: quoteRef}
	if d.content == "" {
		return p.reject(ctx, d.sender, model.ErrValidation, "Message cannot be empty"), nil
	}
	if utf8.RuneCountInString(d.content) > p.cfg.MaxContentLength {
		return p.reject(ctx, d.sender, model.ErrValidation,
			fmt.Sprintf("Message exceeds %d characters", p.cfg.MaxContentLength)), nil
	}
	return p.run(ctx, d, model.PermSendMessages)
}

// SubmitAttachment shares externally stored media. The message content is
// the caption, or a generated label when the caption is blank.
func (p *Pipeline) SubmitAttachment(ctx context.Context, sender string, att model.Attachment, caption string) (Outcome, error) {
	d := draft{sender: strings.TrimSpace(sender), content: strings.TrimSpace(caption), attachment: &att}
	if err := att.Validate(); err != nil {
		return p.reject(ctx, d.sender, model.ErrValidation, validationReason(err)), nil
	}
	if d.content == "" {
		d.content = "📎 Shared " + att.Type.Label()
	}
	if utf8.RuneCountInString(d.content) > p.cfg.MaxContentLength {
		return p.reject(ctx, d.sender, model.ErrValidation,
			fmt.Sprintf("Caption exceeds %d characters", p.cfg.MaxContentLength)), nil
	}
	return p.run(ctx, d, model.PermUploadImages)
}

func validationReason(err error) string {
	msg := err.Error()
	return strings.TrimPrefix(msg, model.ErrValidation.Error()+": ")
}

func (p *Pipeline) run(ctx context.Context, d draft, required model.Permission) (Outcome, error) {
	if d.sender == "" {
		return p.reject(ctx, d.sender, model.ErrValidation, "Sender is required"), nil
	}

	// VALIDATED
	user, guest, err := p.resolveSender(d.sender)
	if err != nil {
		p.metrics.PersistFailed()
		return Outcome{}, err
	}
	if user == nil {
		return p.reject(ctx, d.sender, model.ErrPermissionDenied, "Guests are not allowed to post"), nil
	}
	if reason := rbac.RequirePermission(user, required); reason != "" {
		return p.reject(ctx, d.sender, model.ErrPermissionDenied, reason), nil
	}
	if required != model.PermSendMessages {
		if reason := rbac.RequirePermission(user, model.PermSendMessages); reason != "" {
			return p.reject(ctx, d.sender, model.ErrPermissionDenied, reason), nil
		}
	}
	if ContainsLink(d.content) {
		if reason := rbac.RequirePermission(user, model.PermSendLinks); reason != "" {
			return p.reject(ctx, d.sender, model.ErrPermissionDenied, "Links are not allowed for your role"), nil
		}
	}

	// PERSISTED
	msg, err := p.persist(ctx, d, guest)
	if err != nil {
		p.metrics.PersistFailed()
		p.log.Error("message persist failed", "sender", d.sender, "err", err)
		return Outcome{}, err
	}

	// BROADCAST
	view := newView(msg, p.displayUsers(msg, user, guest))
	if err := broadcast.Publish(ctx, p.bus, broadcast.TopicMessages, broadcast.EventMessage, view); err != nil {
		p.metrics.BroadcastFailed()
		p.log.Warn("message broadcast failed", "id", msg.ID, "err", err)
	}

	p.metrics.MessageAccepted()
	p.log.Debug("message accepted", "sender", d.sender, "id", msg.ID)
	return accepted(view), nil
}

// displayUsers returns the identities needed to render msg. A quoted reply
// resolves its sender and the quoted sender in one lookup; a failed lookup
// falls back to generated avatars since msg is already stored.
func (p *Pipeline) displayUsers(msg *model.Message, sender *model.User, guest bool) map[string]model.User {
	users := map[string]model.User{}
	if !guest {
		users[sender.Handle] = *sender
	}
	if msg.Quote == nil || msg.Quote.Sender == msg.Sender {
		return users
	}
	found, err := p.store.NonTx().GetUsersByHandles([]string{msg.Sender, msg.Quote.Sender})
	if err != nil {
		p.log.Warn("quote sender lookup failed", "id", msg.ID, "err", err)
		return users
	}
	return found
}

// resolveSender loads the sender or builds a transient guest identity.
// A nil user with nil error means the sender is an unknown guest that the
// policy denies.
func (p *Pipeline) resolveSender(handle string) (*model.User, bool, error) {
	user, err := p.store.NonTx().GetUserByHandle(handle)
	if err != nil {
		return nil, false, fmt.Errorf("%w: load sender: %w", model.ErrSystem, err)
	}
	if user != nil {
		return user, false, nil
	}
	return p.cfg.GuestPolicy.GuestIdentity(handle, p.now()), true, nil
}

func (p *Pipeline) persist(ctx context.Context, d draft, guest bool) (*model.Message, error) {
	msg := &model.Message{
		Sender:     d.sender,
		Content:    d.content,
		CreatedAt:  p.now(),
		Attachment: d.attachment,
	}
	if d.quoteRef != nil {
		quoted, err := p.store.NonTx().GetMessage(*d.quoteRef)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve quote: %w", model.ErrSystem, err)
		}
		if quoted != nil {
			msg.Quote = model.SnapshotOf(quoted)
		}
	}

	err := datastore.WithTx(ctx, p.store, func(tx datastore.DataStoreTx) error {
		if err := tx.CreateMessage(msg); err != nil {
			return err
		}
		if guest {
			return nil
		}
		return tx.RecordActivity(msg.Sender, msg.CreatedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: persist message: %w", model.ErrSystem, err)
	}
	return msg, nil
}

// reject logs the rejection, publishes a notice per the configured scope
// and builds the Outcome. The rejected content is never included.
func (p *Pipeline) reject(ctx context.Context, sender string, class error, reason string) Outcome {
	p.metrics.MessageRejected()
	p.log.Info("message rejected", "sender", sender, "reason", reason)

	var topic string
	switch p.cfg.NoticeScope {
	case NoticeSender:
		if sender != "" {
			topic = broadcast.NoticeTopic(sender)
		}
	case NoticeAll:
		topic = broadcast.TopicMessages
	}
	if topic != "" {
		notice := broadcast.Rejection{Sender: sender, Reason: reason}
		if err := broadcast.Publish(ctx, p.bus, topic, broadcast.EventRejection, notice); err != nil {
			p.metrics.BroadcastFailed()
			p.log.Warn("rejection notice failed", "sender", sender, "err", err)
		}
	}
	return rejected(class, reason)
}

// ClampLimit maps a requested history size onto [1, HistoryMax], using
// the default for values <= 0.
func (p *Pipeline) ClampLimit(limit int) int {
	if limit <= 0 {
		return p.cfg.HistoryDefault
	}
	return min(limit, p.cfg.HistoryMax)
}

// FetchRecent returns up to limit recent messages, oldest first, with
// sender display data resolved in one user lookup.
func (p *Pipeline) FetchRecent(ctx context.Context, limit int) ([]MessageView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = p.ClampLimit(limit)

	st := p.store.NonTx()
	latest, err := st.RecentMessages(limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent messages: %w", model.ErrSystem, err)
	}
	if len(latest) == 0 {
		return []MessageView{}, nil
	}

	handles := make([]string, 0, len(latest))
	seen := make(map[string]bool, len(latest))
	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			handles = append(handles, h)
		}
	}
	for i := range latest {
		add(latest[i].Sender)
		if q := latest[i].Quote; q != nil {
			add(q.Sender)
		}
	}
	users, err := st.GetUsersByHandles(handles)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve senders: %w", model.ErrSystem, err)
	}

	views := make([]MessageView, 0, len(latest))
	for i := len(latest) - 1; i >= 0; i-- {
		views = append(views, newView(&latest[i], users))
	}
	return views, nil
}
