// Package relay is the embedded room relay: a namespace WebSocket
// server speaking event-named JSON frames, run in-process by the editor
// host and fronted by the tunnel for off-LAN access.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeleash/codeleash/internal/auth"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/protocol"
)

const (
	// portRetries bounds the port+1 probing on startup collision.
	portRetries = 5

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// CloseBadHandshake rejects an unauthenticated or malformed handshake.
const CloseBadHandshake websocket.StatusCode = 4003

// Frame is the named-event wire shape of the relay transport.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handshake is the first frame a client must send after the upgrade.
type Handshake struct {
	Token       string `json:"token"`
	WorkspaceID string `json:"workspaceId"`
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	DeviceType  string `json:"deviceType"` // "vscode" or "mobile"
}

// Options wires the relay server.
type Options struct {
	Port      int
	Tokens    *auth.TokenService
	DemoToken string // dev-only; empty disables
}

// Server is the embedded room relay.
type Server struct {
	tokens    *auth.TokenService
	demoToken string
	registry  *hub.Registry

	mu    sync.Mutex
	conns map[string]*relayConn // by socket id, for raw frame fan-out

	httpServer *http.Server
	listener   net.Listener
	port       int
}

type relayConn struct {
	ws      *websocket.Conn
	hub     *hub.Connection
	writeMu sync.Mutex
}

func (rc *relayConn) writeFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return rc.ws.Write(ctx, websocket.MessageText, data)
}

// WriteEnvelope satisfies hub.Sender: protocol envelopes travel as
// frames named after their envelope type.
func (rc *relayConn) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return rc.writeFrame(ctx, Frame{Event: env.Type, Data: data})
}

func New(opts Options) *Server {
	return &Server{
		tokens:    opts.Tokens,
		demoToken: opts.DemoToken,
		registry:  hub.NewRegistry(),
		conns:     make(map[string]*relayConn),
		port:      opts.Port,
	}
}

// Handler returns the relay mux; exported for tests and for mounting
// inside the durable relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay", s.handleWS)
	return mux
}

// Start listens on the configured port, probing upward on collision.
func (s *Server) Start() error {
	var lastErr error
	for i := 0; i < portRetries; i++ {
		port := s.port + i
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		s.listener = ln
		s.port = ln.Addr().(*net.TCPAddr).Port
		s.httpServer = &http.Server{Handler: s.Handler()}
		go func() {
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay server failed", "error", err)
			}
		}()
		logger.Info("relay listening", "port", s.port)
		return nil
	}
	return fmt.Errorf("relay listen after %d attempts: %w", portRetries, lastErr)
}

// Port reports the bound port, which may differ from the configured one
// after collision probing.
func (s *Server) Port() int { return s.port }

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("relay accept failed", "error", err)
		return
	}

	ctx := r.Context()
	hs, err := s.readHandshake(ctx, ws)
	if err != nil {
		ws.Close(CloseBadHandshake, err.Error())
		return
	}

	socketID := uuid.New().String()
	rc := &relayConn{ws: ws}
	conn := hub.NewConnection(socketID, hs.DeviceID, hs.DeviceName, hs.DeviceType, hs.WorkspaceID, rc)
	rc.hub = conn

	s.mu.Lock()
	s.conns[socketID] = rc
	s.mu.Unlock()
	s.registry.Add(conn)
	logger.Info("relay client joined", "socketId", socketID, "deviceId", hs.DeviceID, "deviceType", hs.DeviceType, "workspaceId", hs.WorkspaceID)

	ack, _ := json.Marshal(map[string]any{"socketId": socketID, "workspaceId": hs.WorkspaceID})
	if err := rc.writeFrame(ctx, Frame{Event: "authenticated", Data: ack}); err != nil {
		s.drop(ctx, rc)
		ws.CloseNow()
		return
	}
	s.notifyPresence(ctx, conn, "device:connected")

	s.readLoop(ctx, rc)

	s.drop(ctx, rc)
	ws.CloseNow()
}

func (s *Server) readHandshake(ctx context.Context, ws *websocket.Conn) (*Handshake, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var hs Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return nil, fmt.Errorf("parse handshake: %w", err)
	}
	if hs.WorkspaceID == "" {
		return nil, fmt.Errorf("handshake missing workspaceId")
	}
	if hs.DeviceType != hub.KindEditorHost && hs.DeviceType != hub.KindMobile {
		return nil, fmt.Errorf("unknown deviceType %q", hs.DeviceType)
	}
	if s.demoToken != "" && hs.Token == s.demoToken {
		if hs.DeviceID == "" {
			hs.DeviceID = "demo-" + uuid.New().String()
		}
		return &hs, nil
	}
	claims, err := s.tokens.VerifyAccess(hs.Token)
	if err != nil {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.WorkspaceID != hs.WorkspaceID {
		return nil, fmt.Errorf("token workspace mismatch")
	}
	if hs.DeviceID == "" {
		hs.DeviceID = claims.DeviceID
	}
	return &hs, nil
}

func (s *Server) readLoop(ctx context.Context, rc *relayConn) {
	for {
		_, data, err := rc.ws.Read(ctx)
		if err != nil {
			return
		}
		rc.hub.Touch()

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		s.route(ctx, rc, frame)
	}
}

// route applies the per-event forwarding rules. The relay never
// interprets envelope payloads; it only steers them by sender kind.
func (s *Server) route(ctx context.Context, rc *relayConn, frame Frame) {
	conn := rc.hub
	switch frame.Event {
	case protocol.TypeCommand:
		// Mobile peers issue commands; editor-host peers receive them.
		if conn.Kind != hub.KindMobile {
			return
		}
		s.forward(ctx, conn, hub.KindEditorHost, frame)
	case protocol.TypeResponse, protocol.TypeError, protocol.TypeEvent:
		if conn.Kind != hub.KindEditorHost {
			return
		}
		s.forward(ctx, conn, hub.KindMobile, frame)
	case "message":
		// Opaque pass-through for extensions: everyone but the sender.
		s.forward(ctx, conn, "", frame)
	case "ping":
		rc.writeFrame(ctx, Frame{Event: "pong"})
	}
}

func (s *Server) forward(ctx context.Context, from *hub.Connection, kind string, frame Frame) {
	for _, member := range s.registry.Members(from.WorkspaceID) {
		if member.SocketID == from.SocketID {
			continue
		}
		if kind != "" && member.Kind != kind {
			continue
		}
		s.mu.Lock()
		peer := s.conns[member.SocketID]
		s.mu.Unlock()
		if peer == nil {
			continue
		}
		if err := peer.writeFrame(ctx, frame); err != nil {
			logger.Warn("relay forward failed", "socketId", member.SocketID, "event", frame.Event, "error", err)
		}
	}
}

func (s *Server) notifyPresence(ctx context.Context, conn *hub.Connection, event string) {
	data, _ := json.Marshal(map[string]any{
		"deviceId":   conn.DeviceID,
		"deviceName": conn.DeviceName,
		"deviceType": conn.Kind,
	})
	s.forward(ctx, conn, "", Frame{Event: event, Data: data})
}

func (s *Server) drop(ctx context.Context, rc *relayConn) {
	s.mu.Lock()
	delete(s.conns, rc.hub.SocketID)
	s.mu.Unlock()
	if s.registry.Remove(rc.hub.SocketID) == nil {
		return
	}
	s.notifyPresence(ctx, rc.hub, "device:disconnected")
	logger.Info("relay client left", "socketId", rc.hub.SocketID, "deviceId", rc.hub.DeviceID)
}
