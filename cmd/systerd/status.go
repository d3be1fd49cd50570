package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/transport"
	"github.com/basket/systerd/internal/tui"
)

func clientFor(cfg config.Config) *transport.Client {
	return transport.NewClient(cfg.BindAddr, cfg.AuthToken)
}

func statusCmd() *cobra.Command {
	var (
		asJSON bool
		watch  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon health (/healthz)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := clientFor(cfg)

			if watch && interactive(cmd.OutOrStdout()) {
				return tui.RunStatus(cmd.Context(), client.Health, time.Second)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			out := cmd.OutOrStdout()
			if asJSON || !interactive(out) {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(health); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, tui.RenderStatus(health))
			}
			if ok, _ := health["healthy"].(bool); !ok {
				return errSilent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw health document")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "refresh the dashboard every second")
	return cmd
}
