// Package client is the device-side connection layer: one send/receive
// surface over whichever transport currently reaches the editor host.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/protocol"
)

// State of the client connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

const (
	// localDialDeadline bounds the LAN probe before falling back.
	localDialDeadline = 5 * time.Second

	reconnectBase     = 2 * time.Second
	reconnectMax      = 60 * time.Second
	reconnectAttempts = 5
)

// EventHandler consumes one demultiplexed event payload.
type EventHandler func(data json.RawMessage)

// Options configures a Client.
type Options struct {
	LocalURL   string // ws://host:3002
	RelayURL   string // ws://host:3004/relay or tunneled wss URL
	Preference string // "", TransportLocal, or TransportRelay

	Token       string // pairing secret or access token
	WorkspaceID string
	DeviceID    string
	DeviceName  string

	Creds   *CredentialStore // optional; persists tokens from "connected"
	OnState func(State)
}

// Client multiplexes commands and events over the active transport.
// Both transports share one inflight table; switching transports
// rejects everything outstanding rather than leaving it ambiguous.
type Client struct {
	opts     Options
	inflight *protocol.InflightTable

	mu        sync.Mutex
	state     State
	transport Transport
	closed    bool
	gen       int // transport generation; stale read loops detect replacement

	handlerMu sync.RWMutex
	handlers  map[string][]EventHandler
}

func New(opts Options) *Client {
	if opts.OnState == nil {
		opts.OnState = func(State) {}
	}
	return &Client{
		opts:     opts,
		inflight: protocol.NewInflightTable(),
		state:    StateDisconnected,
		handlers: make(map[string][]EventHandler),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TransportName reports which transport is active, or "".
func (c *Client) TransportName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return ""
	}
	return c.transport.Name()
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.opts.OnState(s)
	}
}

// Connect picks a transport and establishes it. With no explicit
// preference the local path is probed first under a short deadline,
// then the relay path is tried.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	var t Transport
	var err error
	switch c.opts.Preference {
	case TransportLocal:
		t, err = c.dialLocal(ctx)
	case TransportRelay:
		t, err = c.dialRelay(ctx)
	default:
		if c.opts.LocalURL != "" {
			probeCtx, cancel := context.WithTimeout(ctx, localDialDeadline)
			t, err = c.dialLocal(probeCtx)
			cancel()
		} else {
			err = fmt.Errorf("no local url configured")
		}
		if err != nil && c.opts.RelayURL != "" {
			logger.Debug("local probe failed, falling back to relay", "error", err)
			t, err = c.dialRelay(ctx)
		}
	}
	if err != nil {
		c.setState(StateError)
		return err
	}

	c.install(t)
	c.setState(StateConnected)
	logger.Info("client connected", "transport", t.Name())
	return nil
}

func (c *Client) dialLocal(ctx context.Context) (Transport, error) {
	if c.opts.LocalURL == "" {
		return nil, fmt.Errorf("no local url configured")
	}
	t := newLocalTransport(c.opts.LocalURL, c.opts.Token, c.opts.DeviceName)
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Client) dialRelay(ctx context.Context) (Transport, error) {
	if c.opts.RelayURL == "" {
		return nil, fmt.Errorf("no relay url configured")
	}
	t := newRelayTransport(c.opts.RelayURL, c.opts.Token, c.opts.WorkspaceID, c.opts.DeviceID, c.opts.DeviceName)
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// install swaps the active transport and starts its receive pump. Any
// previous transport's inflights are rejected.
func (c *Client) install(t Transport) {
	c.mu.Lock()
	old := c.transport
	c.transport = t
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	if old != nil {
		old.Close()
		c.inflight.FailAll(protocol.CodeConnectionClosed, "transport switched")
	}
	go c.pump(t, gen)
}

// SwitchTransport replaces the active transport by name. Outstanding
// commands are rejected with connection closed, never left to resolve
// against the wrong transport.
func (c *Client) SwitchTransport(ctx context.Context, name string) error {
	var t Transport
	var err error
	switch name {
	case TransportLocal:
		t, err = c.dialLocal(ctx)
	case TransportRelay:
		t, err = c.dialRelay(ctx)
	default:
		return fmt.Errorf("unknown transport %q", name)
	}
	if err != nil {
		return err
	}
	c.install(t)
	c.setState(StateConnected)
	logger.Info("transport switched", "transport", name)
	return nil
}

// pump drains one transport until it drops, then reconnects with
// backoff unless the client is closed or the transport was replaced.
func (c *Client) pump(t Transport, gen int) {
	for env := range t.Receive() {
		c.handle(env)
	}

	c.mu.Lock()
	stale := c.closed || c.gen != gen
	c.mu.Unlock()
	if stale {
		return
	}

	c.inflight.FailAll(protocol.CodeConnectionClosed, "connection closed")
	c.setState(StateConnecting)

	backoff := NewBackoff(reconnectBase, reconnectMax)
	for backoff.Attempt() < reconnectAttempts {
		delay := backoff.Next()
		logger.Warn("connection lost, reconnecting", "transport", t.Name(), "attempt", backoff.Attempt(), "delay", delay)
		time.Sleep(delay)

		c.mu.Lock()
		stale := c.closed || c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		if err := t.Connect(context.Background()); err != nil {
			continue
		}
		c.mu.Lock()
		c.gen++
		gen = c.gen
		c.mu.Unlock()
		c.setState(StateConnected)
		go c.pump(t, gen)
		return
	}
	c.setState(StateError)
}

func (c *Client) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		c.inflight.Resolve(env.CommandID, env.Data)
	case protocol.TypeError:
		c.inflight.Fail(env.CommandID, env.Code, env.Message)
	case protocol.TypeEvent:
		if env.EventType == "connected" {
			c.persistTokens(env.Data)
		}
		c.dispatchEvent(env.EventType, env.Data)
	}
}

// persistTokens stores the identity from the welcome event so later
// sessions can skip the pairing path.
func (c *Client) persistTokens(data json.RawMessage) {
	if c.opts.Creds == nil {
		return
	}
	var welcome struct {
		DeviceID      string `json:"deviceId"`
		WorkspaceID   string `json:"workspaceId"`
		WorkspaceName string `json:"workspaceName"`
		Tokens        *struct {
			Access  string `json:"access"`
			Refresh string `json:"refresh"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(data, &welcome); err != nil || welcome.Tokens == nil {
		return
	}
	err := c.opts.Creds.Save(&Credentials{
		DeviceID:      welcome.DeviceID,
		DeviceName:    c.opts.DeviceName,
		WorkspaceID:   welcome.WorkspaceID,
		WorkspaceName: welcome.WorkspaceName,
		AccessToken:   welcome.Tokens.Access,
		RefreshToken:  welcome.Tokens.Refresh,
		LocalURL:      c.opts.LocalURL,
		RelayURL:      c.opts.RelayURL,
	})
	if err != nil {
		logger.Warn("persist credentials failed", "error", err)
		return
	}
	// Future reconnects use the bearer token, not the pairing secret.
	c.opts.Token = welcome.Tokens.Access
	logger.Info("credentials saved", "deviceId", welcome.DeviceID)
}

func (c *Client) dispatchEvent(eventType string, data json.RawMessage) {
	c.handlerMu.RLock()
	handlers := append([]EventHandler(nil), c.handlers[eventType]...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

// On registers a handler for one event type.
func (c *Client) On(eventType string, h EventHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Send issues a command and waits for its response or the 30 second
// inflight deadline.
func (c *Client) Send(ctx context.Context, category, action string, payload any) (json.RawMessage, error) {
	return c.SendTimeout(ctx, category, action, payload, protocol.DefaultCommandTimeout)
}

// SendTimeout is Send with an explicit inflight deadline.
func (c *Client) SendTimeout(ctx context.Context, category, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("not connected")
	}

	cmd, err := protocol.NewCommand(category, action, payload)
	if err != nil {
		return nil, err
	}
	result := c.inflight.Register(cmd.ID, timeout)
	if err := t.Send(ctx, cmd); err != nil {
		c.inflight.Fail(cmd.ID, protocol.CodeConnectionClosed, "write failed")
		return nil, fmt.Errorf("send command: %w", err)
	}

	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Data, nil
	case <-ctx.Done():
		c.inflight.Fail(cmd.ID, protocol.CodeTimeout, "context canceled")
		return nil, ctx.Err()
	}
}

// Close shuts the client down and rejects outstanding commands.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	c.inflight.FailAll(protocol.CodeConnectionClosed, "client closed")
	c.setState(StateDisconnected)
	if t != nil {
		return t.Close()
	}
	return nil
}
