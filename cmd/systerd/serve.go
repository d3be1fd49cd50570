package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/systerd/internal/app"
	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var (
		stdio bool
		http  bool
		bind  string
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane. With no transport flag the HTTP transport is
served on bind_addr. --stdio speaks newline-delimited JSON-RPC on
stdin/stdout and exits when stdin closes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !stdio && !http {
				http = true
			}
			home := homeDir(cmd)
			cfg, err := config.LoadFrom(home)
			if err != nil {
				return startupFailure("E_CONFIG_LOAD", err)
			}
			if cfg.NeedsGenesis {
				if _, err := config.WriteDefault(home); err != nil {
					return startupFailure("E_CONFIG_WRITE", err)
				}
				if cfg, err = config.LoadFrom(home); err != nil {
					return startupFailure("E_CONFIG_RELOAD", err)
				}
			}

			logger, closer, err := telemetry.NewLogger(telemetry.Options{
				StateDir: cfg.StateDir,
				Level:    cfg.LogLevel,
				Quiet:    quiet,
			})
			if err != nil {
				return startupFailure("E_LOGGER_INIT", err)
			}
			defer closer.Close()
			slog.SetDefault(logger)

			addr := cfg.BindAddr
			if bind != "" {
				addr = bind
			}
			if http {
				warnOpenBind(logger, addr, cfg.AllowOrigins)
			}

			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger, Version)
			if err != nil {
				logger.Error("startup failure", "reason_code", "E_APP_INIT", "error", err)
				return startupFailure("E_APP_INIT", err)
			}
			defer a.Close()

			err = a.Run(ctx, app.RunOptions{
				Stdio:    stdio,
				HTTP:     http,
				BindAddr: addr,
				Stdin:    cmd.InOrStdin(),
				Stdout:   cmd.OutOrStdout(),
			})
			if err != nil && isAddrInUse(err) {
				logger.Error("startup failure", "reason_code", "E_BIND", "error", err)
				return startupFailure("E_BIND", fmt.Errorf("%w (%s)", err, portOccupantHint(addr)))
			}
			if err != nil {
				logger.Error("run failed", "error", err)
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve JSON-RPC on stdin/stdout")
	cmd.Flags().BoolVar(&http, "http", false, "serve the HTTP/SSE/WebSocket transport")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind_addr for the HTTP transport")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log to the state directory only")
	return cmd
}

func warnOpenBind(logger *slog.Logger, addr string, origins []string) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return
	}
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "127.0.0.1" || h == "localhost" || h == "::1" {
		return
	}
	if len(origins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser clients will be rejected", "bind_addr", addr)
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

var lookupPortOwner = func(port string) (string, error) {
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	return string(out), err
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("another process is using %s; stop it or change bind_addr in config.yaml", addr)
	}
	if out, err := lookupPortOwner(port); err == nil && strings.TrimSpace(out) != "" {
		pids := strings.Join(strings.Fields(out), " ")
		return fmt.Sprintf("port %s is held by PID %s", port, pids)
	}
	return fmt.Sprintf("port %s is already in use; stop the existing process or change bind_addr in config.yaml", port)
}
