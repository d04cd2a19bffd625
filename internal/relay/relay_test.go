package relay

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/codeleash/codeleash/internal/auth"
	"github.com/codeleash/codeleash/internal/hub"
	"net/http/httptest"
)

type relayClient struct {
	conn *websocket.Conn
}

func newRelayRig(t *testing.T) (*Server, *httptest.Server, *auth.TokenService) {
	t.Helper()
	tokens, err := auth.NewTokenService("", "", time.Hour, 24*time.Hour, auth.NewMemoryRevocations())
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	srv := New(Options{Tokens: tokens, DemoToken: "demo-token"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, tokens
}

func join(t *testing.T, ts *httptest.Server, hs Handshake) *relayClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	data, _ := json.Marshal(hs)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	c := &relayClient{conn: conn}
	t.Cleanup(func() { conn.CloseNow() })
	if f := c.read(t); f.Event != "authenticated" {
		t.Fatalf("expected authenticated, got %+v", f)
	}
	return c
}

func (c *relayClient) read(t *testing.T) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func (c *relayClient) write(t *testing.T, f Frame) {
	t.Helper()
	data, _ := json.Marshal(f)
	if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func demoHandshake(deviceType, deviceID string) Handshake {
	return Handshake{
		Token:       "demo-token",
		WorkspaceID: "ws-1",
		DeviceID:    deviceID,
		DeviceName:  deviceID,
		DeviceType:  deviceType,
	}
}

func TestBadHandshakeRejected(t *testing.T) {
	_, ts, _ := newRelayRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	data, _ := json.Marshal(Handshake{Token: "wrong", WorkspaceID: "ws-1", DeviceType: hub.KindMobile})
	conn.Write(ctx, websocket.MessageText, data)
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != CloseBadHandshake {
		t.Errorf("close = %v, want %v", websocket.CloseStatus(err), CloseBadHandshake)
	}
}

func TestAccessTokenHandshake(t *testing.T) {
	_, ts, tokens := newRelayRig(t)
	pair, err := tokens.IssueTokens("dev-1", "ws-1", "demo")
	if err != nil {
		t.Fatalf("IssueTokens: %v", err)
	}
	join(t, ts, Handshake{Token: pair.Access, WorkspaceID: "ws-1", DeviceName: "phone", DeviceType: hub.KindMobile})
}

func TestTokenWorkspaceMismatchRejected(t *testing.T) {
	_, ts, tokens := newRelayRig(t)
	pair, _ := tokens.IssueTokens("dev-1", "ws-other", "demo")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	data, _ := json.Marshal(Handshake{Token: pair.Access, WorkspaceID: "ws-1", DeviceType: hub.KindMobile})
	conn.Write(ctx, websocket.MessageText, data)
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != CloseBadHandshake {
		t.Errorf("close = %v, want %v", websocket.CloseStatus(err), CloseBadHandshake)
	}
}

func TestCommandRoutesToEditorHostOnly(t *testing.T) {
	_, ts, _ := newRelayRig(t)

	editor := join(t, ts, demoHandshake(hub.KindEditorHost, "editor"))
	mobileA := join(t, ts, demoHandshake(hub.KindMobile, "phone-a"))
	if f := editor.read(t); f.Event != "device:connected" {
		t.Fatalf("presence = %+v", f)
	}
	mobileB := join(t, ts, demoHandshake(hub.KindMobile, "phone-b"))
	if f := editor.read(t); f.Event != "device:connected" {
		t.Fatalf("presence = %+v", f)
	}
	if f := mobileA.read(t); f.Event != "device:connected" {
		t.Fatalf("presence = %+v", f)
	}

	cmd, _ := json.Marshal(map[string]any{"id": "c1", "timestamp": 1, "type": "command", "category": "file", "action": "list"})
	mobileA.write(t, Frame{Event: "command", Data: cmd})

	got := editor.read(t)
	if got.Event != "command" {
		t.Fatalf("editor got %+v", got)
	}
	// mobileB must not see it; prove with a follow-up frame ordering.
	resp, _ := json.Marshal(map[string]any{"id": "r1", "timestamp": 2, "type": "response", "commandId": "c1"})
	editor.write(t, Frame{Event: "response", Data: resp})
	if f := mobileB.read(t); f.Event != "response" {
		t.Errorf("mobileB first frame = %+v, want the response (not the command)", f)
	}
	if f := mobileA.read(t); f.Event != "response" {
		t.Errorf("mobileA got %+v", f)
	}
}

func TestCommandFromEditorHostIgnored(t *testing.T) {
	_, ts, _ := newRelayRig(t)
	editor := join(t, ts, demoHandshake(hub.KindEditorHost, "editor"))
	mobile := join(t, ts, demoHandshake(hub.KindMobile, "phone"))
	if f := editor.read(t); f.Event != "device:connected" {
		t.Fatalf("presence = %+v", f)
	}

	cmd, _ := json.Marshal(map[string]any{"id": "c1", "type": "command"})
	editor.write(t, Frame{Event: "command", Data: cmd})
	// A follow-up event must be the first thing the mobile sees.
	ev, _ := json.Marshal(map[string]any{"id": "e1", "type": "event", "eventType": "marker"})
	editor.write(t, Frame{Event: "event", Data: ev})
	if f := mobile.read(t); f.Event != "event" {
		t.Errorf("mobile got %+v, command should not forward from editor host", f)
	}
}

func TestMessagePassThroughAllButSender(t *testing.T) {
	_, ts, _ := newRelayRig(t)
	editor := join(t, ts, demoHandshake(hub.KindEditorHost, "editor"))
	mobile := join(t, ts, demoHandshake(hub.KindMobile, "phone"))
	if f := editor.read(t); f.Event != "device:connected" {
		t.Fatalf("presence = %+v", f)
	}

	payload, _ := json.Marshal(map[string]string{"custom": "blob"})
	mobile.write(t, Frame{Event: "message", Data: payload})
	if f := editor.read(t); f.Event != "message" {
		t.Errorf("editor got %+v", f)
	}
}

func TestPingPong(t *testing.T) {
	_, ts, _ := newRelayRig(t)
	mobile := join(t, ts, demoHandshake(hub.KindMobile, "phone"))
	mobile.write(t, Frame{Event: "ping"})
	if f := mobile.read(t); f.Event != "pong" {
		t.Errorf("got %+v, want pong", f)
	}
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	_, ts, _ := newRelayRig(t)
	editor := join(t, ts, demoHandshake(hub.KindEditorHost, "editor"))
	mobile := join(t, ts, demoHandshake(hub.KindMobile, "phone"))
	if f := editor.read(t); f.Event != "device:connected" {
		t.Fatalf("presence = %+v", f)
	}

	mobile.conn.Close(websocket.StatusNormalClosure, "bye")
	f := editor.read(t)
	if f.Event != "device:disconnected" {
		t.Fatalf("got %+v", f)
	}
	var data struct {
		DeviceID string `json:"deviceId"`
	}
	json.Unmarshal(f.Data, &data)
	if data.DeviceID != "phone" {
		t.Errorf("deviceId = %q", data.DeviceID)
	}
}

func TestPortCollisionProbesUpward(t *testing.T) {
	tokens, _ := auth.NewTokenService("", "", time.Hour, 24*time.Hour, auth.NewMemoryRevocations())

	a := New(Options{Port: 0, Tokens: tokens})
	if err := a.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer a.Shutdown(context.Background())

	// Second server on the now-taken port must land on a higher one.
	b := New(Options{Port: a.Port(), Tokens: tokens})
	if err := b.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer b.Shutdown(context.Background())
	if b.Port() == a.Port() {
		t.Errorf("both servers claim port %d", a.Port())
	}
	if b.Port() > a.Port()+portRetries {
		t.Errorf("port probe jumped too far: %d from %d", b.Port(), a.Port())
	}
}
