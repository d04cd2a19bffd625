package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/protocol"
	"github.com/codeleash/codeleash/internal/relay"
)

const (
	// TransportLocal is the raw-WebSocket LAN path.
	TransportLocal = "local"
	// TransportRelay is the room-relay path, LAN or tunneled.
	TransportRelay = "relay"

	transportWriteTimeout = 10 * time.Second
)

// Transport is one way of reaching the editor host. Received envelopes
// arrive on Receive; the channel closes when the transport drops.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, env protocol.Envelope) error
	Receive() <-chan protocol.Envelope
	Close() error
}

// localTransport speaks raw JSON envelopes over a direct WebSocket.
type localTransport struct {
	baseURL    string
	token      string
	deviceName string

	mu   sync.Mutex
	conn *websocket.Conn
	rx   chan protocol.Envelope
}

func newLocalTransport(baseURL, token, deviceName string) *localTransport {
	return &localTransport{baseURL: baseURL, token: token, deviceName: deviceName}
}

func (t *localTransport) Name() string { return TransportLocal }

func (t *localTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return fmt.Errorf("parse local url: %w", err)
	}
	q := u.Query()
	q.Set("token", t.token)
	if t.deviceName != "" {
		q.Set("deviceName", t.deviceName)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial local: %w", err)
	}
	conn.SetReadLimit(512 * 1024)

	t.mu.Lock()
	t.conn = conn
	t.rx = make(chan protocol.Envelope, 64)
	t.mu.Unlock()

	go t.readLoop(conn, t.rx)
	return nil
}

func (t *localTransport) readLoop(conn *websocket.Conn, rx chan protocol.Envelope) {
	defer close(rx)
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		rx <- env
	}
}

func (t *localTransport) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("local transport not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, transportWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *localTransport) Receive() <-chan protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rx
}

func (t *localTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// relayTransport speaks event-named frames through the room relay,
// unwrapping protocol envelopes from the frame payload.
type relayTransport struct {
	baseURL     string
	token       string
	workspaceID string
	deviceID    string
	deviceName  string

	mu   sync.Mutex
	conn *websocket.Conn
	rx   chan protocol.Envelope
}

func newRelayTransport(baseURL, token, workspaceID, deviceID, deviceName string) *relayTransport {
	return &relayTransport{
		baseURL:     baseURL,
		token:       token,
		workspaceID: workspaceID,
		deviceID:    deviceID,
		deviceName:  deviceName,
	}
}

func (t *relayTransport) Name() string { return TransportRelay }

func (t *relayTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.baseURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(512 * 1024)

	hs, _ := json.Marshal(relay.Handshake{
		Token:       t.token,
		WorkspaceID: t.workspaceID,
		DeviceID:    t.deviceID,
		DeviceName:  t.deviceName,
		DeviceType:  hub.KindMobile,
	})
	if err := conn.Write(ctx, websocket.MessageText, hs); err != nil {
		conn.CloseNow()
		return fmt.Errorf("send handshake: %w", err)
	}

	// The relay confirms or closes with a handshake rejection.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return fmt.Errorf("handshake rejected: %w", err)
	}
	var ack relay.Frame
	if err := json.Unmarshal(data, &ack); err != nil || ack.Event != "authenticated" {
		conn.CloseNow()
		return fmt.Errorf("unexpected handshake reply")
	}

	t.mu.Lock()
	t.conn = conn
	t.rx = make(chan protocol.Envelope, 64)
	t.mu.Unlock()

	go t.readLoop(conn, t.rx)
	return nil
}

func (t *relayTransport) readLoop(conn *websocket.Conn, rx chan protocol.Envelope) {
	defer close(rx)
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var frame relay.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case protocol.TypeResponse, protocol.TypeError, protocol.TypeEvent:
			env, err := protocol.Decode(frame.Data)
			if err != nil {
				continue
			}
			rx <- env
		case "device:connected", "device:disconnected":
			// Presence frames surface as regular events.
			env, err := protocol.NewEvent(frame.Event, frame.Data)
			if err != nil {
				continue
			}
			rx <- env
		}
	}
}

func (t *relayTransport) Send(ctx context.Context, env protocol.Envelope) error {
	payload, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(relay.Frame{Event: env.Type, Data: payload})
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("relay transport not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, transportWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (t *relayTransport) Receive() <-chan protocol.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rx
}

func (t *relayTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}
