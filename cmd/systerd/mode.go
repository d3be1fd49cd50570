package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/mode"
)

// openModeController reads (or seeds) the local mode and ACL files without
// starting a daemon.
func openModeController(cfg config.Config) (*mode.Controller, error) {
	return mode.Open(mode.Options{
		StatePath: cfg.ModePath(),
		ACLPath:   cfg.ACLPath(),
		EmptyACL:  mode.EmptyACLPolicy(cfg.ACLPolicy),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the mode-change ACL tokens",
		Long:  "Print the ACL file path and its tokens, generating a token if the file does not exist yet.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			c, err := openModeController(cfg)
			if err != nil {
				return fmt.Errorf("open mode acl: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "acl: %s\n", c.ACLPath())
			for _, t := range c.Tokens() {
				fmt.Fprintln(out, t)
			}
			return nil
		},
	}
}

type modeResult struct {
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	Description string `json:"description"`
	Changed     bool   `json:"changed"`
}

func modeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show or change the daemon's operating mode",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the current mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var res modeResult
			if err := clientFor(cfg).CallTool(cmd.Context(), "get_mode", nil, &res); err != nil {
				return fmt.Errorf("get_mode: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.Mode, res.Description)
			return nil
		},
	}

	var token string
	set := &cobra.Command{
		Use:       "set <transparent|hybrid|dominant>",
		Short:     "Switch the mode (requires an ACL token)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(mode.Transparent), string(mode.Hybrid), string(mode.Dominant)},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := mode.ParseMode(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if token == "" {
				c, err := openModeController(cfg)
				if err != nil {
					return fmt.Errorf("open mode acl: %w", err)
				}
				if tokens := c.Tokens(); len(tokens) > 0 {
					token = tokens[0]
				}
			}
			var res modeResult
			err = clientFor(cfg).CallTool(cmd.Context(), "set_mode",
				map[string]any{"mode": string(m), "token": token}, &res)
			if err != nil {
				return fmt.Errorf("set_mode: %w", err)
			}
			state := "unchanged"
			if res.Changed {
				state = "changed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", res.Mode, state)
			return nil
		},
	}
	set.Flags().StringVar(&token, "token", "", "ACL token (default: first token in the local ACL file)")

	cmd.AddCommand(get, set)
	return cmd
}
