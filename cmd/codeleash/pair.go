package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codeleash/codeleash/internal/client"
	"github.com/codeleash/codeleash/internal/qr"
)

func pairCmd() *cobra.Command {
	var payloadFlag string
	var deviceFlag string
	var credsFlag string

	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this machine with an editor host",
		Long:  "Redeems a pairing offer: paste the QR payload printed by `codeleash serve` and the one-time secret is exchanged for a bearer token pair stored locally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := payloadFlag
			if raw == "" {
				fmt.Fprint(os.Stderr, "Paste QR payload: ")
				line, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = string(line)
			}
			payload, err := qr.Decode([]byte(raw))
			if err != nil {
				return err
			}

			device := deviceFlag
			if device == "" {
				device, _ = os.Hostname()
			}
			credsPath := credsFlag
			if credsPath == "" {
				if credsPath, err = client.DefaultCredentialsPath(); err != nil {
					return err
				}
			}
			creds := client.NewCredentialStore(credsPath)

			c := client.New(client.Options{
				LocalURL:    payload.LocalURL,
				RelayURL:    payload.RelayURL,
				Token:       payload.Secret,
				WorkspaceID: payload.WorkspaceID,
				DeviceName:  device,
				Creds:       creds,
			})
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := c.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			// Tokens land asynchronously with the welcome event.
			for ctx.Err() == nil {
				saved, err := creds.Load()
				if err == nil && saved != nil && saved.AccessToken != "" {
					fmt.Printf("Paired with %q (%s transport). Credentials saved to %s\n",
						payload.WorkspaceName, c.TransportName(), credsPath)
					return nil
				}
				time.Sleep(100 * time.Millisecond)
			}
			return fmt.Errorf("pairing timed out before tokens arrived")
		},
	}

	cmd.Flags().StringVar(&payloadFlag, "payload", "", "QR payload JSON (prompted when omitted)")
	cmd.Flags().StringVar(&deviceFlag, "device", "", "device name (default: hostname)")
	cmd.Flags().StringVar(&credsFlag, "credentials", "", "credentials file path")
	return cmd
}
