package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/codeleash/codeleash/internal/logger"
	"github.com/codeleash/codeleash/internal/relayd"
)

func relaydCmd() *cobra.Command {
	var portFlag int
	var dbFlag string
	var publicURLFlag string
	var pushBaseFlag string
	var logLevelFlag string

	cmd := &cobra.Command{
		Use:   "relayd",
		Short: "Run the standalone durable relay",
		Long:  "Serves pairing and token lifecycle over HTTP, a device registry with push notifications, and the room WebSocket, backed by sqlite.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevelFlag, ""); err != nil {
				return err
			}

			srv, err := relayd.New(relayd.Options{
				Port:          portFlag,
				DBPath:        dbFlag,
				PublicURL:     publicURLFlag,
				AccessSecret:  os.Getenv("CODELEASH_JWT_SECRET"),
				RefreshSecret: os.Getenv("CODELEASH_JWT_REFRESH_SECRET"),
				PushBaseURL:   pushBaseFlag,
				PushToken:     os.Getenv("CODELEASH_PUSH_TOKEN"),
				DemoToken:     os.Getenv("CODELEASH_DEMO_TOKEN"),
				Version:       version,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			case err := <-errCh:
				return err
			}
		},
	}

	cmd.Flags().IntVar(&portFlag, "port", relayd.DefaultPort, "listen port")
	cmd.Flags().StringVar(&dbFlag, "db", "relayd.db", "sqlite database path")
	cmd.Flags().StringVar(&publicURLFlag, "public-url", "", "public URL advertised in pairing offers")
	cmd.Flags().StringVar(&pushBaseFlag, "push-base", "", "push endpoint base URL (default https://ntfy.sh)")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "log level")
	return cmd
}
