// Package app wires the control plane together: stores, scheduler,
// protocol engine and transports.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/systerd/internal/audit"
	"github.com/basket/systerd/internal/bus"
	"github.com/basket/systerd/internal/catalog"
	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/mode"
	"github.com/basket/systerd/internal/neurobus"
	sysotel "github.com/basket/systerd/internal/otel"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/persistence"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/registry"
	"github.com/basket/systerd/internal/scheduler"
	"github.com/basket/systerd/internal/transport"
)

// App owns every long-lived component. Build it with New, drive it with
// Run and release it with Close.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Live        *bus.Bus
	Events      *neurobus.Log
	Tasks       *persistence.Store
	Permissions *permission.Store
	Mode        *mode.Controller
	Registry    *registry.Registry
	Shell       *catalog.Shell
	Scheduler   *scheduler.Scheduler
	Audit       *audit.Trail
	Engine      *protocol.Engine
	OTel        *sysotel.Provider

	version string
	started time.Time
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New opens the stores under cfg.StateDir and builds the engine. On error
// anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, version string) (a *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a = &App{Config: cfg, Logger: logger, Live: bus.New(), version: version, started: time.Now()}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	a.OTel, err = sysotel.Init(ctx, cfg.OTel, version)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.closers = append(a.closers, closerFunc(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.OTel.Shutdown(shutdownCtx)
	}))
	metrics, err := sysotel.NewMetrics(a.OTel.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.Events, err = neurobus.Open(neurobus.Config{
		Path:          cfg.NeuroBusPath(),
		MaxRows:       cfg.NeuroBus.MaxRows,
		RetentionDays: cfg.NeuroBus.RetentionDays,
		VacuumEvery:   cfg.NeuroBus.VacuumEvery,
		Logger:        logger,
		Live:          a.Live,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open neurobus: %w", err)
	}
	a.closers = append(a.closers, a.Events)

	a.Tasks, err = persistence.Open(cfg.StateDBPath())
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	a.closers = append(a.closers, a.Tasks)

	a.Permissions, err = permission.Open(cfg.PermissionsPath(), permission.Options{
		Logger: logger,
		OnChange: func() {
			if rerr := a.Events.RecordEvent(context.Background(), "permissions.changed", map[string]any{"path": cfg.PermissionsPath()}); rerr != nil {
				logger.Warn("record permissions change failed", "error", rerr)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open permissions: %w", err)
	}

	a.Mode, err = mode.Open(mode.Options{
		StatePath: cfg.ModePath(),
		ACLPath:   cfg.ACLPath(),
		EmptyACL:  mode.EmptyACLPolicy(cfg.ACLPolicy),
		Logger:    logger,
		OnChange: func(previous mode.Mode, current mode.Policy) {
			if rerr := a.Events.RecordEvent(context.Background(), "mode.changed", map[string]any{
				"previous": previous, "current": current.Name,
			}); rerr != nil {
				logger.Warn("record mode change failed", "error", rerr)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open mode controller: %w", err)
	}

	a.Audit, err = audit.Open(cfg.StateDir, a.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	a.closers = append(a.closers, a.Audit)

	a.Shell = catalog.NewShell(catalog.ShellConfig{
		Timeout:   time.Duration(cfg.Shell.TimeoutSeconds) * time.Second,
		MaxOutput: cfg.Shell.MaxOutputBytes,
		Deny:      cfg.Shell.DenyPatterns,
		WorkDir:   cfg.WorkspaceDir,
		Logger:    logger,
	})

	a.Scheduler = scheduler.New(scheduler.Config{
		Store:         a.Tasks,
		Executor:      a.Shell,
		Logger:        logger,
		Events:        a.Events,
		Live:          a.Live,
		Metrics:       metrics,
		Interval:      time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		TaskTimeout:   time.Duration(cfg.Scheduler.TaskTimeoutSeconds) * time.Second,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		CatchUp:       cfg.Scheduler.CatchUp,
	})

	a.Registry = registry.New()
	if err := catalog.Register(catalog.Deps{
		Registry:    a.Registry,
		Permissions: a.Permissions,
		Mode:        a.Mode,
		Events:      a.Events,
		Scheduler:   a.Scheduler,
		Shell:       a.Shell,
		StateDir:    cfg.StateDir,
		Logger:      logger,
	}); err != nil {
		return nil, err
	}

	resources, err := protocol.NewCatalog(cfg.WorkspaceDir, protocol.DefaultResourceCandidates)
	if err != nil {
		logger.Warn("resource catalog unavailable", "root", cfg.WorkspaceDir, "error", err)
		resources = nil
	}

	a.Engine, err = protocol.New(protocol.Config{
		Registry:    a.Registry,
		Permissions: a.Permissions,
		Mode:        a.Mode,
		Resources:   resources,
		Audit:       a.Audit,
		Logger:      logger,
		Tracer:      a.OTel.Tracer,
		Metrics:     metrics,
		ToolTimeout: cfg.ToolTimeout(),
		Version:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	logger.Info("systerd: ready",
		"state_dir", cfg.StateDir,
		"tools", a.Registry.Len(),
		"mode", a.Mode.Mode(),
		"config_fingerprint", cfg.Fingerprint())
	return a, nil
}

// RunOptions selects the transports Run serves.
type RunOptions struct {
	Stdio    bool
	HTTP     bool
	BindAddr string
	Stdin    io.Reader
	Stdout   io.Writer
}

// Run starts the scheduler, the file watcher and the selected transports,
// and blocks until ctx is cancelled or a transport fails. Stdio reaching
// EOF ends the run.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if !opts.Stdio && !opts.HTTP {
		return errors.New("no transport selected")
	}
	g, ctx := errgroup.WithContext(ctx)

	a.Scheduler.Start(ctx)
	defer a.Scheduler.Stop()

	watcher := config.NewWatcher(a.Config.HomeDir, a.Config.StateDir, a.Logger)
	if err := watcher.Start(ctx); err != nil {
		a.Logger.Warn("config watcher unavailable", "error", err)
	} else {
		g.Go(func() error {
			a.consumeReloads(ctx, watcher.Events())
			return nil
		})
	}

	if opts.HTTP {
		srv, err := transport.New(transport.Config{
			Handler:      a.Engine,
			Tools:        a.Engine,
			Live:         a.Live,
			Health:       a.Health,
			AuthToken:    a.Config.AuthToken,
			AllowOrigins: a.Config.AllowOrigins,
			Logger:       a.Logger,
		})
		if err != nil {
			return err
		}
		addr := opts.BindAddr
		if addr == "" {
			addr = a.Config.BindAddr
		}
		g.Go(func() error { return srv.Serve(ctx, addr) })
	}

	if opts.Stdio {
		g.Go(func() error {
			err := transport.ServeStdio(ctx, a.Engine, opts.Stdin, opts.Stdout, a.Logger)
			if err != nil {
				return err
			}
			return errStdioClosed
		})
	}

	_ = a.Events.RecordEvent(ctx, "systerd.started", map[string]any{
		"version": a.version, "mode": a.Mode.Mode(), "stdio": opts.Stdio, "http": opts.HTTP,
	})
	err := g.Wait()
	if errors.Is(err, errStdioClosed) {
		err = nil
	}
	_ = a.Events.RecordEvent(context.Background(), "systerd.stopped", map[string]any{"uptime_seconds": int(time.Since(a.started).Seconds())})
	return err
}

var errStdioClosed = errors.New("stdio closed")

// consumeReloads re-reads permissions.json on external edits. config.yaml
// edits are logged; they take effect on restart.
func (a *App) consumeReloads(ctx context.Context, events <-chan config.ReloadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch filepath.Base(ev.Path) {
			case "permissions.json":
				if err := a.Permissions.Load(); err != nil {
					a.Logger.Error("permissions reload failed; keeping previous map", "error", err)
					continue
				}
				a.Logger.Info("permissions hot-reloaded", "path", ev.Path)
			case "config.yaml":
				if cfg, err := config.LoadFrom(a.Config.HomeDir); err != nil {
					a.Logger.Error("config.yaml edit rejected", "error", err)
				} else if cfg.Fingerprint() != a.Config.Fingerprint() {
					a.Logger.Warn("config.yaml changed; restart to apply", "fingerprint", cfg.Fingerprint())
				}
			}
		}
	}
}

// Health backs GET /healthz.
func (a *App) Health(ctx context.Context) map[string]any {
	out := map[string]any{
		"healthy":        true,
		"version":        a.version,
		"mode":           a.Mode.Mode(),
		"tools":          a.Registry.Len(),
		"uptime_seconds": int(time.Since(a.started).Seconds()),
		"audit_denials":  a.Audit.DenyCount(),
	}
	if n, err := a.Events.Count(ctx); err != nil {
		out["healthy"] = false
		out["neurobus_error"] = err.Error()
	} else {
		out["neurobus_messages"] = n
	}
	if counts, err := a.Tasks.TaskCounts(ctx); err != nil {
		out["healthy"] = false
		out["task_store_error"] = err.Error()
	} else {
		out["tasks"] = counts
	}
	return out
}

// Close releases every store in reverse open order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
