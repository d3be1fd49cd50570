// Package catalog registers the built-in operations: control-plane tools
// over the permission store, mode controller, event log and scheduler,
// plus a small set of host inspection commands.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/systerd/internal/mode"
	"github.com/basket/systerd/internal/neurobus"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/registry"
	"github.com/basket/systerd/internal/scheduler"
)

// ServerVersion is reported by get_mcp_config.
const ServerVersion = "3.0-lite"

// Deps are the components the built-in tools operate on. Nil components
// leave their tools unregistered.
type Deps struct {
	Registry    *registry.Registry
	Permissions *permission.Store
	Mode        *mode.Controller
	Events      *neurobus.Log
	Scheduler   *scheduler.Scheduler
	Shell       *Shell
	StateDir    string
	Logger      *slog.Logger
}

// Register adds every built-in tool whose dependencies are present.
func Register(d Deps) error {
	if d.Registry == nil {
		return errors.New("catalog: registry is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	var descs []registry.Descriptor
	descs = append(descs, controlTools(d)...)
	if d.Scheduler != nil {
		descs = append(descs, taskTools(d)...)
	}
	if d.Shell != nil {
		descs = append(descs, hostTools(d)...)
	}
	if err := d.Registry.RegisterAll(descs); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	d.Logger.Info("catalog: registered built-in tools", "count", len(descs))
	return nil
}

func invalidInput(format string, args ...any) error {
	return protocol.InvalidInput(fmt.Errorf(format, args...))
}
