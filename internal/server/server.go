// Package server hosts the local WebSocket endpoint mobile clients use
// on the LAN, plus the health and pairing-offer HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeleash/codeleash/internal/auth"
	"github.com/codeleash/codeleash/internal/config"
	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/pairing"
	"github.com/codeleash/codeleash/internal/protocol"
	"github.com/codeleash/codeleash/internal/qr"
)

// Close codes distinguish the auth failure modes at the upgrade.
const (
	CloseMissingToken websocket.StatusCode = 4001
	CloseInvalidToken websocket.StatusCode = 4003
)

// StreamKiller ends all streams owned by a disconnecting socket.
type StreamKiller interface {
	KillOwned(ownerID string)
}

// Options wires a Server. Dispatcher handlers are installed by the
// caller before Start.
type Options struct {
	Config        *config.Config
	Tokens        *auth.TokenService
	Pairings      pairing.Store
	Registry      *hub.Registry
	Dispatcher    *dispatch.Dispatcher
	Streams       StreamKiller
	WorkspaceID   string
	WorkspaceName string
}

// Server is the LAN-facing WebSocket endpoint.
type Server struct {
	cfg      *config.Config
	tokens   *auth.TokenService
	pairings pairing.Store
	registry *hub.Registry
	dispatch *dispatch.Dispatcher
	streams  StreamKiller

	workspaceID   string
	workspaceName string

	// forwarded editor commands awaiting a response from the
	// editor-host peer
	inflight *protocol.InflightTable

	httpServer *http.Server
	listener   net.Listener
}

func New(opts Options) *Server {
	return &Server{
		cfg:           opts.Config,
		tokens:        opts.Tokens,
		pairings:      opts.Pairings,
		registry:      opts.Registry,
		dispatch:      opts.Dispatcher,
		streams:       opts.Streams,
		workspaceID:   opts.WorkspaceID,
		workspaceName: opts.WorkspaceName,
		inflight:      protocol.NewInflightTable(),
	}
}

// Handler returns the HTTP mux; exported for tests and for mounting
// under other servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pair/offer", s.handlePairOffer)
	return mux
}

// Start listens on the configured local port.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.LocalPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("local server failed", "error", err)
		}
	}()
	logger.Info("local server listening", "addr", ln.Addr().String())
	return nil
}

// Shutdown stops accepting and closes live connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inflight.FailAll(protocol.CodeConnectionClosed, "server shutting down")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr reports the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"workspaceId": s.workspaceID,
		"connections": s.registry.Len(),
		"timestamp":   time.Now().UnixMilli(),
	})
}

// handlePairOffer mints a fresh pairing session and returns the QR
// payload plus the PIN for manual entry.
func (s *Server) handlePairOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, protocol.CodeInvalidRequest, "POST required")
		return
	}
	sess, secret, err := NewPairingSession(s.pairings, s.workspaceID, s.workspaceName, s.cfg.PairingTTL())
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.CodeInternalError, "create pairing session")
		return
	}
	payload := qr.Payload{
		Secret:        secret,
		WorkspaceID:   s.workspaceID,
		WorkspaceName: s.workspaceName,
		LocalURL:      fmt.Sprintf("ws://%s", s.Addr()),
		ExpiresAt:     sess.ExpiresAt.UnixMilli(),
	}
	encoded, err := qr.Encode(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, protocol.CodeInternalError, "encode qr payload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"pin":       sess.PIN,
		"qr":        json.RawMessage(encoded),
		"expiresAt": sess.ExpiresAt.UnixMilli(),
	})
}

// NewPairingSession draws a secret and PIN and stores the pending
// session. PIN collisions are redrawn a few times before giving up.
func NewPairingSession(store pairing.Store, workspaceID, workspaceName string, ttl time.Duration) (*pairing.Session, string, error) {
	secret, digest, err := auth.GenerateSecret()
	if err != nil {
		return nil, "", err
	}
	for attempt := 0; attempt < 5; attempt++ {
		pin, err := auth.GeneratePIN()
		if err != nil {
			return nil, "", err
		}
		sess := &pairing.Session{
			ID:            uuid.New().String(),
			PIN:           pin,
			SecretDigest:  digest,
			WorkspaceID:   workspaceID,
			WorkspaceName: workspaceName,
			Status:        pairing.StatusPending,
			CreatedAt:     time.Now(),
			ExpiresAt:     time.Now().Add(ttl),
		}
		err = store.Create(sess)
		if err == nil {
			return sess, secret, nil
		}
		if !errors.Is(err, pairing.ErrPINCollision) {
			return nil, "", err
		}
	}
	return nil, "", pairing.ErrPINCollision
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept failed", "error", err)
		return
	}

	token := r.URL.Query().Get("token")
	deviceName := r.URL.Query().Get("deviceName")
	kind := r.URL.Query().Get("deviceType")
	if kind != hub.KindEditorHost {
		kind = hub.KindMobile
	}
	if token == "" {
		conn.Close(CloseMissingToken, "missing token")
		return
	}

	identity, welcome, closeCode, reason := s.authenticate(token, deviceName)
	if closeCode != 0 {
		conn.Close(closeCode, reason)
		return
	}

	socketID := uuid.New().String()
	sender := &wsSender{conn: conn}
	c := hub.NewConnection(socketID, identity.deviceID, deviceName, kind, identity.workspaceID, sender)
	s.registry.Add(c)
	logger.Info("client connected", "socketId", socketID, "deviceId", identity.deviceID, "kind", kind)

	ctx := context.Background()
	if err := c.Send(ctx, welcome); err != nil {
		s.teardown(ctx, c)
		conn.CloseNow()
		return
	}
	s.notifyPresence(ctx, c, "device:connected")

	s.readLoop(ctx, conn, c)

	s.teardown(ctx, c)
	conn.CloseNow()
}

type identity struct {
	deviceID    string
	workspaceID string
}

// authenticate resolves the token as a one-time pairing secret or a
// bearer access token and builds the welcome event. A non-zero close
// code means rejection.
func (s *Server) authenticate(token, deviceName string) (identity, protocol.Envelope, websocket.StatusCode, string) {
	digest := auth.DigestSecret(token)
	if sess, err := s.pairings.GetByDigest(digest); err == nil {
		if _, err := s.pairings.Complete(sess.ID); err != nil {
			return identity{}, protocol.Envelope{}, CloseInvalidToken, "pairing already redeemed"
		}
		deviceID := uuid.New().String()
		pair, err := s.tokens.IssueTokens(deviceID, sess.WorkspaceID, sess.WorkspaceName)
		if err != nil {
			return identity{}, protocol.Envelope{}, websocket.StatusInternalError, "issue tokens"
		}
		welcome, _ := protocol.NewEvent("connected", map[string]any{
			"deviceId":      deviceID,
			"deviceName":    deviceName,
			"workspaceId":   sess.WorkspaceID,
			"workspaceName": sess.WorkspaceName,
			"tokens":        pair,
		})
		return identity{deviceID: deviceID, workspaceID: sess.WorkspaceID}, welcome, 0, ""
	}

	claims, err := s.tokens.VerifyAccess(token)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = "token expired"
		}
		return identity{}, protocol.Envelope{}, CloseInvalidToken, reason
	}
	welcome, _ := protocol.NewEvent("connected", map[string]any{
		"deviceId":      claims.DeviceID,
		"deviceName":    deviceName,
		"workspaceId":   claims.WorkspaceID,
		"workspaceName": claims.WorkspaceName,
	})
	return identity{deviceID: claims.DeviceID, workspaceID: claims.WorkspaceID}, welcome, 0, ""
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, c *hub.Connection) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.Touch()

		env, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames answer with a protocol error and keep
			// the connection.
			c.Send(ctx, protocol.NewError("", protocol.CodeInvalidRequest, err.Error()))
			continue
		}

		switch env.Type {
		case protocol.TypeCommand:
			go s.dispatch.Dispatch(ctx, c, env)
		case protocol.TypeResponse:
			s.inflight.Resolve(env.CommandID, env.Data)
		case protocol.TypeError:
			s.inflight.Fail(env.CommandID, env.Code, env.Message)
		case protocol.TypeEvent:
			// Events from the editor host fan out to the mobile peers.
			s.registry.Broadcast(ctx, c.WorkspaceID, c.SocketID, hub.KindMobile, env)
		}
	}
}

func (s *Server) teardown(ctx context.Context, c *hub.Connection) {
	if s.registry.Remove(c.SocketID) == nil {
		return
	}
	if s.streams != nil {
		s.streams.KillOwned(c.SocketID)
	}
	if c.Kind == hub.KindEditorHost {
		s.inflight.FailAll(protocol.CodeConnectionClosed, "editor host disconnected")
	}
	s.notifyPresence(ctx, c, "device:disconnected")
	logger.Info("client disconnected", "socketId", c.SocketID, "deviceId", c.DeviceID)
}

func (s *Server) notifyPresence(ctx context.Context, c *hub.Connection, eventType string) {
	env, err := protocol.NewEvent(eventType, map[string]any{
		"deviceId":   c.DeviceID,
		"deviceName": c.DeviceName,
		"deviceType": c.Kind,
	})
	if err != nil {
		return
	}
	s.registry.Broadcast(ctx, c.WorkspaceID, c.SocketID, "", env)
}

// Call forwards an editor-scoped command to the editor-host peer and
// waits for its response, satisfying handlers.EditorHost.
func (s *Server) Call(ctx context.Context, category, action string, payload any) (json.RawMessage, *protocol.WireError) {
	var editor *hub.Connection
	for _, c := range s.registry.Members(s.workspaceID) {
		if c.Kind == hub.KindEditorHost {
			editor = c
			break
		}
	}
	if editor == nil {
		return nil, &protocol.WireError{Code: protocol.CodeNotFound, Message: "no editor host connected"}
	}
	cmd, err := protocol.NewCommand(category, action, payload)
	if err != nil {
		return nil, &protocol.WireError{Code: protocol.CodeInternalError, Message: err.Error()}
	}
	result := s.inflight.Register(cmd.ID, protocol.DefaultCommandTimeout)
	if err := editor.Send(ctx, cmd); err != nil {
		s.inflight.Fail(cmd.ID, protocol.CodeConnectionClosed, "editor host write failed")
	}
	select {
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Data, nil
	case <-ctx.Done():
		s.inflight.Fail(cmd.ID, protocol.CodeTimeout, "context canceled")
		return nil, &protocol.WireError{Code: protocol.CodeTimeout, Message: "editor host did not respond"}
	}
}

type wsSender struct {
	conn *websocket.Conn
}

func (w *wsSender) WriteEnvelope(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
