package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/basket/systerd/internal/mode"
	"github.com/basket/systerd/internal/neurobus"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/registry"
)

type readNeuroBusArgs struct {
	Topic string `json:"topic,omitempty" jsonschema:"description=Only return messages on this topic"`
	Kind  string `json:"kind,omitempty" jsonschema:"enum=event,enum=command,enum=learning"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000,default=50"`
}

type setModeArgs struct {
	Mode  string `json:"mode" jsonschema:"required,enum=transparent,enum=hybrid,enum=dominant"`
	Token string `json:"token,omitempty" jsonschema:"description=ACL token authorizing the change"`
}

type listToolsArgs struct {
	Category string `json:"category,omitempty"`
	Status   string `json:"status,omitempty" jsonschema:"enum=all,enum=enabled,enum=disabled,default=all"`
}

type setPermissionArgs struct {
	ToolName   string `json:"tool_name" jsonschema:"required"`
	Permission string `json:"permission" jsonschema:"required,enum=DISABLED,enum=READ_ONLY,enum=AI_ASK,enum=AI_AUTO"`
}

type templateArgs struct {
	Template string `json:"template" jsonschema:"required"`
}

type noArgs struct{}

type toolStatus struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Permission  string `json:"permission"`
	Enabled     bool   `json:"enabled"`
}

func controlTools(d Deps) []registry.Descriptor {
	var out []registry.Descriptor
	if d.Events != nil {
		out = append(out, registry.Tool("read_neurobus",
			"Read recent NeuroBus messages, newest first",
			func(ctx context.Context, a readNeuroBusArgs) (any, error) {
				kind := neurobus.Kind(a.Kind)
				if kind != "" && !kind.Valid() {
					return nil, invalidInput("invalid kind %q", a.Kind)
				}
				limit := a.Limit
				if limit <= 0 {
					limit = 50
				}
				msgs, err := d.Events.Query(ctx, neurobus.Filter{Topic: a.Topic, Kind: kind, Limit: limit})
				if err != nil {
					return nil, protocol.Storage("neurobus query", err)
				}
				if msgs == nil {
					msgs = []neurobus.Message{}
				}
				return msgs, nil
			}))
	}
	if d.Mode != nil {
		out = append(out,
			registry.Tool("get_mode", "Show the current operating mode and its policy",
				func(ctx context.Context, _ noArgs) (any, error) {
					p := d.Mode.Policy()
					return map[string]any{
						"status":            "ok",
						"mode":              p.Name,
						"description":       p.Description,
						"intercept":         p.Intercept,
						"allow_delegation":  p.AllowDelegation,
						"approval_required": p.ApprovalRequired,
					}, nil
				}),
			registry.Tool("set_mode", "Switch the operating mode; requires an ACL token when tokens are configured",
				func(ctx context.Context, a setModeArgs) (any, error) {
					m, err := mode.ParseMode(a.Mode)
					if err != nil {
						return nil, protocol.InvalidInput(err)
					}
					if err := d.Mode.Authorize(a.Token); err != nil {
						return nil, protocol.InvalidToken(err)
					}
					changed, err := d.Mode.SetMode(m)
					if err != nil && !changed {
						return nil, protocol.InvalidInput(err)
					}
					if d.Events != nil && changed {
						if rerr := d.Events.RecordCommand(ctx, "mode", map[string]any{"value": string(m), "source": "mcp"}); rerr != nil {
							d.Logger.Warn("catalog: record mode change failed", "error", rerr)
						}
					}
					res := map[string]any{"status": "ok", "mode": m, "changed": changed}
					if err != nil {
						res["warning"] = err.Error()
					}
					return res, nil
				}),
		)
	}
	if d.Permissions != nil {
		out = append(out, permissionTools(d)...)
	}
	return out
}

func permissionTools(d Deps) []registry.Descriptor {
	perms := d.Permissions
	reg := d.Registry

	levels := func() map[string]permission.Level {
		if err := perms.Load(); err != nil {
			d.Logger.Warn("catalog: permissions reload failed", "error", err)
		}
		out := make(map[string]permission.Level, reg.Len())
		for _, name := range reg.Names() {
			out[name] = perms.Check(name)
		}
		return out
	}

	return []registry.Descriptor{
		registry.Tool("get_permissions", "Show the effective permission level of every registered tool",
			func(ctx context.Context, _ noArgs) (any, error) {
				all := levels()
				flat := make(map[string]string, len(all))
				summary := map[string]int{}
				for _, l := range permission.Levels {
					summary[string(l)] = 0
				}
				for name, l := range all {
					flat[name] = string(l)
					summary[string(l)]++
				}
				return map[string]any{"status": "ok", "permissions": flat, "summary": summary}, nil
			}),
		registry.Tool("get_mcp_config", "Summarize the server configuration and permission counts",
			func(ctx context.Context, _ noArgs) (any, error) {
				counts := map[string]int{}
				for _, l := range permission.Levels {
					counts[l.Name()] = 0
				}
				all := levels()
				for _, l := range all {
					counts[l.Name()]++
				}
				templates := make([]string, 0, len(permission.Templates))
				for _, t := range permission.Templates {
					templates = append(templates, t.Key)
				}
				res := map[string]any{
					"server_version":      ServerVersion,
					"total_tools":         len(all),
					"enabled_tools":       len(all) - counts[permission.Disabled.Name()],
					"permission_counts":   counts,
					"state_dir":           d.StateDir,
					"permissions_file":    perms.Path(),
					"categories":          permission.CategoryNames(),
					"available_templates": templates,
				}
				if d.Mode != nil {
					res["mode"] = d.Mode.Mode()
				}
				return res, nil
			}),
		registry.Tool("list_mcp_tools", "List tools with category and permission, optionally filtered",
			func(ctx context.Context, a listToolsArgs) (any, error) {
				status := strings.ToLower(a.Status)
				if status == "" {
					status = "all"
				}
				if status != "all" && status != "enabled" && status != "disabled" {
					return nil, invalidInput("invalid status %q", a.Status)
				}
				all := levels()
				tools := []toolStatus{}
				for name, l := range all {
					cat := permission.CategoryOf(name)
					if a.Category != "" && cat != a.Category {
						continue
					}
					enabled := l.Allows()
					if (status == "enabled" && !enabled) || (status == "disabled" && enabled) {
						continue
					}
					desc, _ := reg.Lookup(name)
					tools = append(tools, toolStatus{
						Name:        name,
						Description: desc.Description,
						Category:    cat,
						Permission:  l.Name(),
						Enabled:     enabled,
					})
				}
				sort.Slice(tools, func(i, j int) bool {
					if tools[i].Category != tools[j].Category {
						return tools[i].Category < tools[j].Category
					}
					return tools[i].Name < tools[j].Name
				})
				return map[string]any{
					"total":  len(tools),
					"filter": map[string]any{"category": a.Category, "status": status},
					"tools":  tools,
				}, nil
			}),
		registry.Tool("set_mcp_tool_permission", "Set the permission level of one tool",
			func(ctx context.Context, a setPermissionArgs) (any, error) {
				if _, ok := reg.Lookup(a.ToolName); !ok {
					return nil, protocol.NewError(protocol.KindTool, protocol.CodeToolNotFound,
						"tool not found: "+a.ToolName, nil).WithDetail("available_tools", reg.Len())
				}
				level, err := permission.ParseLevel(a.Permission)
				if err != nil {
					return nil, protocol.InvalidInput(err)
				}
				_ = perms.Load()
				old := perms.Check(a.ToolName)
				if err := perms.Set(a.ToolName, level); err != nil {
					return nil, protocol.Storage("write permissions", err)
				}
				return map[string]any{
					"tool":           a.ToolName,
					"old_permission": old.Name(),
					"new_permission": level.Name(),
					"success":        true,
				}, nil
			}),
		registry.Tool("apply_mcp_template", "Apply a permission template to every registered tool",
			func(ctx context.Context, a templateArgs) (any, error) {
				res, err := perms.ApplyTemplate(a.Template, reg.Names())
				if errors.Is(err, permission.ErrTemplateNotFound) {
					keys := make([]string, 0, len(permission.Templates))
					for _, t := range permission.Templates {
						keys = append(keys, t.Key)
					}
					return nil, protocol.InvalidInput(err).WithDetail("available", keys)
				}
				if err != nil {
					return nil, protocol.Storage("write permissions", err)
				}
				return map[string]any{
					"template":           res.Template.Key,
					"name":               res.Template.Name,
					"description":        res.Template.Description,
					"enabled_categories": res.Template.Categories,
					"enabled_tools":      res.EnabledTools,
					"disabled_tools":     res.DisabledTools,
					"config_file":        res.ConfigFile,
					"success":            true,
				}, nil
			}),
		registry.Tool("get_mcp_templates", "List the permission templates",
			func(ctx context.Context, _ noArgs) (any, error) {
				names := reg.Names()
				out := make([]map[string]any, 0, len(permission.Templates))
				for _, t := range permission.Templates {
					enabled := 0
					for _, l := range t.Plan(names) {
						if l.Allows() {
							enabled++
						}
					}
					out = append(out, map[string]any{
						"id":                   t.Key,
						"name":                 t.Name,
						"description":          t.Description,
						"categories":           t.Categories,
						"estimated_tool_count": enabled,
					})
				}
				return map[string]any{"templates": out}, nil
			}),
	}
}
