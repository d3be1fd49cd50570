package permission

import (
	"errors"
	"fmt"
	"sort"
)

// ErrTemplateNotFound is returned for an unknown template key.
var ErrTemplateNotFound = errors.New("template not found")

// Categories groups operation names for template application and for the
// list_mcp_tools category filter. Names not listed belong to "other".
var Categories = map[string][]string{
	"monitoring": {
		"get_uptime", "get_load_average", "get_disk_usage", "get_cpu_info", "get_memory_info",
		"get_temperature", "get_top_processes", "get_zombie_processes", "get_system_info",
		"list_processes", "get_system_metrics", "get_service_health", "get_process_tree",
	},
	"security": {
		"get_selinux_status", "get_apparmor_status", "list_sudo_rules", "audit_permissions",
		"scan_suid_files", "get_failed_logins", "list_firewall_rules", "list_open_ports",
	},
	"system": {
		"manage_service", "list_units", "get_system_state", "get_kernel_logs", "get_kernel_info",
		"get_kernel_modules", "get_boot_time", "enable_unit", "disable_unit", "reboot_system",
		"get_sysctl", "set_sysctl", "get_mode", "set_mode", "get_permissions",
		"list_devices", "control_device", "read_neurobus", "read_journald", "search_logs",
	},
	"network": {
		"list_interfaces", "ping_host", "list_routes", "get_dns_config", "set_interface_state",
	},
	"user": {
		"list_users", "list_groups", "list_logged_users", "get_user_processes", "delete_user",
	},
	"storage": {
		"list_mounts", "list_block_devices", "get_smart_status", "find_large_files",
	},
	"package": {
		"list_installed_packages", "search_package", "install_package", "remove_package", "update_package",
	},
	"scheduler": {
		"create_task", "list_tasks", "get_task", "update_task", "cancel_task", "delete_task",
		"create_reminder", "get_upcoming_tasks",
	},
	"tuning": {
		"set_cpu_governor", "tune_process_priority", "set_io_scheduler",
	},
	"mcp": {
		"get_mcp_config", "list_mcp_tools", "set_mcp_tool_permission",
		"apply_mcp_template", "get_mcp_templates",
	},
	"self": {
		"execute_shell_command", "get_self_status",
	},
}

// CategoryNames returns the category keys in stable order.
func CategoryNames() []string {
	names := make([]string, 0, len(Categories))
	for k := range Categories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// CategoryOf returns the first category (in CategoryNames order) that lists
// name, or "other".
func CategoryOf(name string) string {
	for _, cat := range CategoryNames() {
		for _, n := range Categories[cat] {
			if n == name {
				return cat
			}
		}
	}
	return "other"
}

// Template is a named preset enabling a set of categories.
type Template struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Categories  []string `json:"categories"`
	// All enables every registered operation regardless of category.
	All bool `json:"all,omitempty"`
}

// Templates are the built-in presets, in presentation order.
var Templates = []Template{
	{Key: "minimal", Name: "Minimal", Description: "Basic system information only; MCP configuration tools stay enabled", Categories: []string{"monitoring", "mcp"}},
	{Key: "monitoring", Name: "Monitoring", Description: "System monitoring and diagnostics", Categories: []string{"monitoring", "system", "mcp"}},
	{Key: "development", Name: "Development", Description: "Monitoring, system, scheduler and self-management tools", Categories: []string{"monitoring", "system", "scheduler", "mcp", "self"}},
	{Key: "security", Name: "Security Audit", Description: "Security auditing and compliance checking", Categories: []string{"monitoring", "security", "mcp"}},
	{Key: "full", Name: "Full Access", Description: "All tools enabled", All: true},
}

// LookupTemplate finds a template by key.
func LookupTemplate(key string) (Template, bool) {
	for _, t := range Templates {
		if t.Key == key {
			return t, true
		}
	}
	return Template{}, false
}

// Plan computes the full permission map a template produces for the given
// operation names: AIAuto inside the template's categories, Disabled outside.
func (t Template) Plan(toolNames []string) map[string]Level {
	enabled := make(map[string]bool, len(t.Categories))
	for _, c := range t.Categories {
		enabled[c] = true
	}
	out := make(map[string]Level, len(toolNames))
	for _, name := range toolNames {
		if t.All || enabled[CategoryOf(name)] {
			out[name] = AIAuto
		} else {
			out[name] = Disabled
		}
	}
	return out
}

// TemplateResult summarizes an applied template.
type TemplateResult struct {
	Template      Template `json:"template"`
	EnabledTools  int      `json:"enabled_tools"`
	DisabledTools int      `json:"disabled_tools"`
	ConfigFile    string   `json:"config_file"`
}

// ApplyTemplate replaces the stored map with the template's plan in a
// single write.
func (s *Store) ApplyTemplate(key string, toolNames []string) (TemplateResult, error) {
	t, ok := LookupTemplate(key)
	if !ok {
		return TemplateResult{}, fmt.Errorf("%w: %q", ErrTemplateNotFound, key)
	}
	plan := t.Plan(toolNames)
	res := TemplateResult{Template: t, ConfigFile: s.path}
	for _, l := range plan {
		if l == Disabled {
			res.DisabledTools++
		} else {
			res.EnabledTools++
		}
	}
	if err := s.SetBatch(plan, true); err != nil {
		return res, err
	}
	return res, nil
}
