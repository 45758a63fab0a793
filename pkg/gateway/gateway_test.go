package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"

	"github.com/NicolasHaas/gotalk/pkg/broadcast"
	"github.com/NicolasHaas/gotalk/pkg/chat"
	"github.com/NicolasHaas/gotalk/pkg/gateway"
	"github.com/NicolasHaas/gotalk/pkg/model"
	"github.com/NicolasHaas/gotalk/pkg/presence"
	"github.com/NicolasHaas/gotalk/pkg/server"
	"github.com/NicolasHaas/gotalk/pkg/store"
)

type harness struct {
	srv      *server.Server
	st       *store.MemoryStore
	gw       *gateway.Gateway
	verifier *gateway.TokenVerifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	srv, err := server.New(server.DefaultConfig(), server.Dependencies{Store: st})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	v, err := gateway.NewTokenVerifier("test-secret")
	if err != nil {
		t.Fatalf("NewTokenVerifier: %v", err)
	}
	return &harness{srv: srv, st: st, gw: gateway.New(srv, gateway.Config{Verifier: v}), verifier: v}
}

func (h *harness) user(t *testing.T, handle string, role model.Role) string {
	t.Helper()
	if _, err := h.st.NonTx().CreateUser(handle, role); err != nil {
		t.Fatalf("CreateUser(%s): %v", handle, err)
	}
	token, err := h.verifier.Issue(handle, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.gw.App().Test(req, 5000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestSubmitOverREST(t *testing.T) {
	h := newHarness(t)
	token := h.user(t, "alice", model.RoleNewMember)

	tests := []struct {
		name       string
		token      string
		body       any
		wantStatus int
	}{
		{"accepted", token, map[string]any{"content": "hello"}, http.StatusCreated},
		{"link rejected", token, map[string]any{"content": "visit http://x.com"}, http.StatusForbidden},
		{"empty rejected", token, map[string]any{"content": "   "}, http.StatusBadRequest},
		{"no token", "", map[string]any{"content": "hello"}, http.StatusUnauthorized},
		{"bad token", "forged", map[string]any{"content": "hello"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/api/messages", tt.token, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
		})
	}

	if n := h.srv.Metrics().FailedAuths.Load(); n != 1 {
		t.Errorf("failed auths = %d, want 1", n)
	}

	resp, body := h.do(t, http.MethodGet, "/api/messages/recent?limit=5", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recent status = %d", resp.StatusCode)
	}
	var views []chat.MessageView
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(views) != 1 || views[0].Content != "hello" || views[0].Sender != "alice" {
		t.Errorf("recent = %+v", views)
	}
}

func TestAttachmentOverREST(t *testing.T) {
	h := newHarness(t)
	token := h.user(t, "bob", model.RoleMember)

	resp, body := h.do(t, http.MethodPost, "/api/attachments", token, map[string]any{
		"type": "image", "url": "/uploads/a.png", "name": "a.png", "size": 2048,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", resp.StatusCode, body)
	}
	var out chat.Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode outcome: %v", err)
	}
	if out.Message == nil || out.Message.Attachment == nil || out.Message.Content != "📎 Shared Image" {
		t.Errorf("outcome = %+v", out)
	}
}

func TestPermissionAndRoleRoutes(t *testing.T) {
	h := newHarness(t)
	adminToken := h.user(t, "admin", model.RoleAdmin)
	h.user(t, "owner", model.RoleSuperAdmin)
	h.user(t, "bob", model.RoleMember)

	resp, body := h.do(t, http.MethodGet, "/api/users/bob/permissions/send_links", "", nil)
	var perm struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(body, &perm); err != nil || resp.StatusCode != http.StatusOK || !perm.Allowed {
		t.Errorf("bob send_links = %d %s", resp.StatusCode, body)
	}
	if resp, _ := h.do(t, http.MethodGet, "/api/users/bob/permissions/teleport", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown permission status = %d, want 400", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodPost, "/api/roles/assign", adminToken, map[string]string{"target": "owner", "role": "super_admin"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("assign super admin status = %d, want 409 (body %s)", resp.StatusCode, body)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/roles/assign", adminToken, map[string]string{"target": "bob", "role": "wizard"}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown role status = %d, want 400", resp.StatusCode)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/roles/assign", adminToken, map[string]string{"target": "ghost", "role": "vip"}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown target status = %d, want 404", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodPost, "/api/roles/assign", adminToken, map[string]string{"target": "bob", "role": "Moderator"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign moderator status = %d (body %s)", resp.StatusCode, body)
	}
	var change model.RoleChange
	if err := json.Unmarshal(body, &change); err != nil {
		t.Fatalf("decode change: %v", err)
	}
	if change.New != model.RoleModerator || change.ChangedBy != "admin" {
		t.Errorf("change = %+v", change)
	}

	if resp, body := h.do(t, http.MethodPost, "/api/roles/demote", adminToken, map[string]string{"target": "bob", "role": "member"}); resp.StatusCode != http.StatusOK {
		t.Errorf("demote status = %d (body %s)", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/api/roles/history?handle=bob", "", nil)
	var history []model.RoleChange
	if err := json.Unmarshal(body, &history); err != nil || resp.StatusCode != http.StatusOK || len(history) != 2 {
		t.Errorf("history = %d %s", resp.StatusCode, body)
	}

	resp, body = h.do(t, http.MethodGet, "/api/roles/stats", "", nil)
	var stats map[string]int
	if err := json.Unmarshal(body, &stats); err != nil || stats["member"] != 1 || stats["admin"] != 1 {
		t.Errorf("stats = %d %s", resp.StatusCode, body)
	}
}

func TestRosterAndPresenceRoutes(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", model.RoleVIP)
	h.srv.OnConnect(context.Background(), "alice", "s1", false)

	resp, body := h.do(t, http.MethodGet, "/api/users", "", nil)
	var roster []presence.RosterEntry
	if err := json.Unmarshal(body, &roster); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("roster = %d %s", resp.StatusCode, body)
	}
	if len(roster) != 1 || !roster[0].Online || roster[0].Role != "VIP" {
		t.Errorf("roster = %+v", roster)
	}

	_, body = h.do(t, http.MethodGet, "/api/presence/alice", "", nil)
	var p struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(body, &p); err != nil || !p.Online {
		t.Errorf("presence = %s", body)
	}
	_, body = h.do(t, http.MethodGet, "/api/presence", "", nil)
	var count struct {
		Online int `json:"online"`
	}
	if err := json.Unmarshal(body, &count); err != nil || count.Online != 1 {
		t.Errorf("online count = %s", body)
	}
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/ws", "", nil)
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Errorf("plain GET /ws status = %d, want 426", resp.StatusCode)
	}
}

// listen serves the gateway on a loopback port and returns its address.
func listen(t *testing.T, h *harness) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = h.gw.App().Listener(ln) }()
	t.Cleanup(func() { _ = h.gw.App().Shutdown() })
	return ln.Addr().String()
}

func readFrame(t *testing.T, conn *fws.Conn, v any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
}

func TestWebsocketSession(t *testing.T) {
	h := newHarness(t)
	token := h.user(t, "alice", model.RoleMember)
	addr := listen(t, h)

	conn, _, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The presence announcement for our own session arrives first.
	var ev broadcast.Event
	readFrame(t, conn, &ev)
	if ev.Type != broadcast.EventPresence {
		t.Fatalf("first frame type = %q, want presence", ev.Type)
	}
	if !h.srv.IsOnline("alice") {
		t.Fatal("alice not online after connecting")
	}

	if err := conn.WriteJSON(map[string]any{"cmd": "send", "content": "hi from ws"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The outcome reply and the broadcast may arrive in either order.
	var sawOutcome, sawMessage bool
	for i := 0; i < 2; i++ {
		var frame map[string]json.RawMessage
		readFrame(t, conn, &frame)
		var typ string
		_ = json.Unmarshal(frame["type"], &typ)
		switch typ {
		case "outcome":
			var out chat.Outcome
			if err := json.Unmarshal(frame["outcome"], &out); err != nil || !out.Accepted() {
				t.Errorf("outcome = %s", frame["outcome"])
			}
			sawOutcome = true
		case broadcast.EventMessage:
			sawMessage = true
		default:
			t.Errorf("unexpected frame type %q", typ)
		}
	}
	if !sawOutcome || !sawMessage {
		t.Errorf("outcome=%v message=%v", sawOutcome, sawMessage)
	}

	if err := conn.WriteJSON(map[string]any{"cmd": "history", "limit": 5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var hist struct {
		Type     string             `json:"type"`
		Messages []chat.MessageView `json:"messages"`
	}
	readFrame(t, conn, &hist)
	if hist.Type != "history" || len(hist.Messages) != 1 {
		t.Errorf("history reply = %+v", hist)
	}

	_ = conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for h.srv.IsOnline("alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice still online after closing the socket")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketGuestHandles(t *testing.T) {
	h := newHarness(t)
	h.user(t, "alice", model.RoleMember)
	addr := listen(t, h)

	if _, resp, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws?guest=alice", nil); err == nil {
		t.Fatal("guest claimed a registered handle")
	} else if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("guest impersonation response = %v, %v", resp, err)
	}

	conn, _, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws?guest=visitor", nil)
	if err != nil {
		t.Fatalf("dial as guest: %v", err)
	}
	defer conn.Close()

	var ev broadcast.Event
	readFrame(t, conn, &ev)
	var p broadcast.Presence
	if err := json.Unmarshal(ev.Payload, &p); err != nil || !p.Guest || p.Handle != "visitor" {
		t.Fatalf("guest presence = %s", ev.Payload)
	}

	// Default policy denies guests; the rejection comes back as an outcome
	// plus a private notice.
	if err := conn.WriteJSON(map[string]any{"cmd": "send", "content": "hello?"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i := 0; i < 2; i++ {
		var frame map[string]json.RawMessage
		readFrame(t, conn, &frame)
		var typ string
		_ = json.Unmarshal(frame["type"], &typ)
		if typ == "outcome" {
			var out chat.Outcome
			_ = json.Unmarshal(frame["outcome"], &out)
			if out.Accepted() || out.Reason == "" {
				t.Errorf("guest outcome = %+v", out)
			}
		} else if typ != broadcast.EventRejection {
			t.Errorf("unexpected frame type %q", typ)
		}
	}
}

func TestWebsocketTokenWithoutStoredIdentityIsGuest(t *testing.T) {
	h := newHarness(t)
	token, err := h.verifier.Issue("drifter", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	addr := listen(t, h)

	conn, _, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var ev broadcast.Event
	readFrame(t, conn, &ev)
	var p broadcast.Presence
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if p.Handle != "drifter" || !p.Guest {
		t.Errorf("presence = %+v, want drifter as guest", p)
	}

	roster, err := h.srv.Roster()
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}
	if len(roster) != 1 || !roster[0].Guest || !roster[0].Online {
		t.Errorf("roster = %+v, want one online guest", roster)
	}
}
