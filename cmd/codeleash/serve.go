package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/codeleash/codeleash/internal/ai"
	"github.com/codeleash/codeleash/internal/auth"
	"github.com/codeleash/codeleash/internal/config"
	"github.com/codeleash/codeleash/internal/diag"
	"github.com/codeleash/codeleash/internal/dispatch"
	"github.com/codeleash/codeleash/internal/handlers"
	"github.com/codeleash/codeleash/internal/hub"
	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/pairing"
	"github.com/codeleash/codeleash/internal/protocol"
	"github.com/codeleash/codeleash/internal/qr"
	"github.com/codeleash/codeleash/internal/relay"
	"github.com/codeleash/codeleash/internal/server"
	"github.com/codeleash/codeleash/internal/terminal"
	"github.com/codeleash/codeleash/internal/tunnel"
)

func serveCmd() *cobra.Command {
	var configFlag string
	var rootFlag string
	var nameFlag string
	var tunnelFlag bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the editor host: local server, embedded relay, pairing offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFlag)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			root := rootFlag
			if root == "" {
				if root, err = os.Getwd(); err != nil {
					return err
				}
			}
			if root, err = filepath.Abs(root); err != nil {
				return err
			}
			name := nameFlag
			if name == "" {
				name = filepath.Base(root)
			}

			app, err := newApp(cfg, root, name)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return app.run(ctx, tunnelFlag || cfg.AutoStartTunnel)
		},
	}

	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&rootFlag, "root", "", "workspace root (default: current directory)")
	cmd.Flags().StringVar(&nameFlag, "name", "", "workspace display name (default: root directory name)")
	cmd.Flags().BoolVar(&tunnelFlag, "tunnel", false, "start the tunnel for off-LAN access")
	return cmd
}

// app is the assembled editor-host process. Everything is constructed
// here and handed down; nothing reaches for globals.
type app struct {
	cfg           *config.Config
	workspaceID   string
	workspaceName string

	registry  *hub.Registry
	pairings  *pairing.MemoryStore
	engine    *terminal.Engine
	terminals *terminal.SessionManager
	diags     *diag.Aggregator
	bridge    *ai.Bridge
	srv       *server.Server
	room      *relay.Server
	tun       *tunnel.Supervisor
	watcher   *diag.Watcher
}

func newApp(cfg *config.Config, root, name string) (*app, error) {
	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.JWTRefreshSecret, cfg.AccessTTL(), cfg.RefreshTTL(), auth.NewMemoryRevocations())
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}

	a := &app{
		cfg: cfg,
		// Stable across restarts so tokens outlive the process.
		workspaceID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte("codeleash:"+root)).String(),
		workspaceName: name,
		registry:      hub.NewRegistry(),
		pairings:      pairing.NewMemoryStore(),
	}

	// Host-side events fan out to every mobile peer in the workspace.
	emit := func(eventType string, data any) {
		env, err := protocol.NewEvent(eventType, data)
		if err != nil {
			logger.Warn("drop unencodable event", "event", eventType, "error", err)
			return
		}
		a.registry.Broadcast(context.Background(), a.workspaceID, "", hub.KindMobile, env)
	}

	a.engine = terminal.NewEngine(root, emit)
	a.terminals = terminal.NewSessionManager(emit)
	a.diags = diag.NewAggregator(emit, diag.Options{})
	a.bridge = ai.NewBridge(ai.Probe(), emit)

	d := dispatch.New()
	a.srv = server.New(server.Options{
		Config:        cfg,
		Tokens:        tokens,
		Pairings:      a.pairings,
		Registry:      a.registry,
		Dispatcher:    d,
		Streams:       a.engine,
		WorkspaceID:   a.workspaceID,
		WorkspaceName: name,
	})
	handlers.Register(d, handlers.Deps{
		Root:          root,
		WorkspaceID:   a.workspaceID,
		WorkspaceName: name,
		MaxFileSize:   cfg.MaxFileSizeBytes,
		Engine:        a.engine,
		Terminals:     a.terminals,
		Diagnostics:   a.diags,
		AI:            a.bridge,
		Editor:        a.srv,
	})

	a.room = relay.New(relay.Options{
		Port:      cfg.RelayPort,
		Tokens:    tokens,
		DemoToken: cfg.DemoToken,
	})
	a.tun = tunnel.New(cfg.TunnelHost, func(state tunnel.State, url string) {
		logger.Info("tunnel state", "state", state, "url", url)
	})

	if cfg.DiagnosticsFile != "" {
		a.watcher, err = diag.NewWatcher(a.diags, cfg.DiagnosticsFile)
		if err != nil {
			logger.Warn("diagnostics watcher disabled", "file", cfg.DiagnosticsFile, "error", err)
		}
	}
	return a, nil
}

func (a *app) run(ctx context.Context, startTunnel bool) error {
	if err := a.srv.Start(); err != nil {
		return err
	}
	if err := a.room.Start(); err != nil {
		return err
	}
	if startTunnel {
		if err := a.tun.Connect(a.room.Port()); err != nil {
			logger.Warn("tunnel start failed", "error", err)
		}
	}

	if err := a.printOffer(); err != nil {
		logger.Warn("pairing offer failed", "error", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)
	return nil
}

func (a *app) shutdown(ctx context.Context) {
	if a.watcher != nil {
		a.watcher.Close()
	}
	a.tun.Disconnect()
	a.room.Shutdown(ctx)
	a.srv.Shutdown(ctx)
	a.terminals.Close()
	a.diags.Close()
	a.pairings.Close()
}

// printOffer opens a pairing session and prints the QR payload and PIN
// the mobile app consumes.
func (a *app) printOffer() error {
	sess, secret, err := server.NewPairingSession(a.pairings, a.workspaceID, a.workspaceName, a.cfg.PairingTTL())
	if err != nil {
		return err
	}

	localURL := fmt.Sprintf("ws://%s:%d", lanIP(), a.cfg.LocalPort)
	payload, err := qr.Encode(qr.Payload{
		Secret:        secret,
		WorkspaceID:   a.workspaceID,
		WorkspaceName: a.workspaceName,
		LocalURL:      localURL,
		RelayURL:      a.tun.URL(),
		ExpiresAt:     sess.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nPairing offer (expires %s)\n", sess.ExpiresAt.Format("15:04:05"))
	fmt.Printf("  QR payload: %s\n", payload)
	fmt.Printf("  PIN:        %s\n", sess.PIN)
	fmt.Printf("  Local URL:  %s\n\n", localURL)
	return nil
}

// lanIP guesses the LAN-reachable address for the QR payload.
func lanIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
