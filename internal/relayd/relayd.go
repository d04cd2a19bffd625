// Package relayd is the standalone durable relay: pairing and token
// lifecycle over HTTP, a device registry with push notifications, and
// the same room WebSocket the editor host embeds, all backed by sqlite.
package relayd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/codeleash/codeleash/internal/auth"
	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/pairing"
	"github.com/codeleash/codeleash/internal/push"
	"github.com/codeleash/codeleash/internal/relay"
)

// DefaultPort is where relayd listens unless configured otherwise.
const DefaultPort = 8080

const sweepInterval = time.Minute

// Options configures the durable relay process.
type Options struct {
	Port          int
	DBPath        string // sqlite file, ":memory:" for tests
	PublicURL     string // advertised in pairing offers
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	PairingTTL    time.Duration
	PushBaseURL   string // ntfy-style push endpoint
	PushToken     string
	PushSink      push.Sink // overrides PushBaseURL when set
	DemoToken     string    // dev-only room relay bypass
	Version       string
}

// Server is the durable relay.
type Server struct {
	port       int
	publicURL  string
	pairingTTL time.Duration
	version    string
	started    time.Time

	store    *Store
	pairings pairing.Store
	tokens   *auth.TokenService
	push     push.Sink
	room     *relay.Server

	limGeneral *limitGroup
	limAuth    *limitGroup
	limPairing *limitGroup
	limNotify  *limitGroup

	httpServer *http.Server
	listener   net.Listener
}

func New(opts Options) (*Server, error) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.DBPath == "" {
		opts.DBPath = "relayd.db"
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = pairing.DefaultTTL
	}

	store, err := OpenStore(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	pairings, err := pairing.OpenSQLite(opts.DBPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open pairing store: %w", err)
	}
	tokens, err := auth.NewTokenService(opts.AccessSecret, opts.RefreshSecret, opts.AccessTTL, opts.RefreshTTL, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("token service: %w", err)
	}

	sink := opts.PushSink
	if sink == nil {
		sink = push.NewHTTPSink(opts.PushBaseURL, opts.PushToken)
	}

	s := &Server{
		port:       opts.Port,
		publicURL:  opts.PublicURL,
		pairingTTL: opts.PairingTTL,
		version:    opts.Version,
		started:    time.Now(),
		store:      store,
		pairings:   pairings,
		tokens:     tokens,
		push:       sink,
		room:       relay.New(relay.Options{Tokens: tokens, DemoToken: opts.DemoToken}),
		limGeneral: newLimitGroup("general", 100, time.Minute),
		limAuth:    newLimitGroup("auth", 10, 15*time.Minute),
		limPairing: newLimitGroup("pairing", 20, time.Hour),
		limNotify:  newLimitGroup("notifications", 30, time.Minute),
	}
	return s, nil
}

func (s *Server) workspaceName(workspaceID string) string {
	return s.store.WorkspaceName(workspaceID)
}

// Handler builds the full route table. Pairing and auth endpoints carry
// their own tighter limit tiers; everything else rides the general one.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.limGeneral.wrap(s.handleHealth))
	mux.Handle("/relay", s.room.Handler())

	mux.HandleFunc("POST /api/v1/pair/init", s.limPairing.wrap(s.handlePairInit))
	// Redemption attempts are credential guesses, so they ride the
	// tighter auth tier rather than the pairing one.
	mux.HandleFunc("POST /api/v1/pair/complete", s.limAuth.wrap(s.handlePairComplete))

	mux.HandleFunc("POST /api/v1/auth/refresh", s.limAuth.wrap(s.handleAuthRefresh))
	mux.HandleFunc("POST /api/v1/auth/logout", s.limAuth.wrap(s.requireAuth(s.handleAuthLogout)))
	mux.HandleFunc("GET /api/v1/auth/me", s.limGeneral.wrap(s.requireAuth(s.handleAuthMe)))

	mux.HandleFunc("GET /api/v1/devices", s.limGeneral.wrap(s.requireAuth(s.handleDevicesList)))
	mux.HandleFunc("GET /api/v1/devices/online", s.limGeneral.wrap(s.requireAuth(s.handleDevicesOnline)))
	mux.HandleFunc("GET /api/v1/devices/{id}", s.limGeneral.wrap(s.requireAuth(s.handleDeviceGet)))
	mux.HandleFunc("DELETE /api/v1/devices/{id}", s.limGeneral.wrap(s.requireAuth(s.handleDeviceDelete)))
	mux.HandleFunc("POST /api/v1/devices/{id}/ping", s.limGeneral.wrap(s.requireAuth(s.handleDevicePing)))

	mux.HandleFunc("POST /api/v1/notifications/send", s.limNotify.wrap(s.requireAuth(s.handleNotifySend)))
	mux.HandleFunc("POST /api/v1/notifications/token", s.limGeneral.wrap(s.requireAuth(s.handleNotifyToken)))
	mux.HandleFunc("DELETE /api/v1/notifications/token/{deviceId}", s.limGeneral.wrap(s.requireAuth(s.handleNotifyTokenDelete)))
	mux.HandleFunc("GET /api/v1/notifications/history/{workspaceId}", s.limGeneral.wrap(s.requireAuth(s.handleNotifyHistory)))

	return mux
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen :%d: %w", s.port, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go s.sweepLoop()
	logger.Info("relayd listening", "port", s.port)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepLoop() {
	for range time.Tick(sweepInterval) {
		if s.httpServer == nil {
			return
		}
		n := s.pairings.Sweep(time.Now())
		if n > 0 {
			logger.Debug("pairing sessions swept", "count", n)
		}
		if err := s.store.Sweep(time.Now()); err != nil {
			logger.Warn("store sweep failed", "error", err)
		}
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	var first error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			first = err
		}
		s.httpServer = nil
	}
	if closer, ok := s.pairings.(interface{ Close() error }); ok {
		closer.Close()
	}
	if err := s.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
