package permission

// Defaults is the map seeded into a fresh permissions file: observation
// tools run autonomously, mutations ask, host-destructive ones are off.
func Defaults() map[string]Level {
	return map[string]Level{
		"list_processes":          AIAuto,
		"get_system_metrics":      AIAuto,
		"get_service_health":      AIAuto,
		"read_journald":           AIAuto,
		"list_units":              AIAuto,
		"list_enabled_units":      AIAuto,
		"list_failed_units":       AIAuto,
		"list_interfaces":         AIAuto,
		"get_interface_details":   AIAuto,
		"ping_host":               AIAuto,
		"get_disk_usage":          AIAuto,
		"list_block_devices":      AIAuto,
		"list_mounts":             AIAuto,
		"list_installed_packages": AIAuto,
		"search_package":          AIAuto,
		"list_users":              AIAuto,
		"list_groups":             AIAuto,
		"list_open_ports":         AIAuto,
		"list_firewall_rules":     AIAuto,
		"get_kernel_info":         AIAuto,
		"list_loaded_modules":     AIAuto,
		"read_neurobus":           AIAuto,
		"list_devices":            AIAuto,
		"get_sysctl":              AIAuto,

		"manage_service":      AIAsk,
		"enable_unit":         AIAsk,
		"disable_unit":        AIAsk,
		"mask_unit":           AIAsk,
		"unmask_unit":         AIAsk,
		"control_device":      AIAsk,
		"install_package":     AIAsk,
		"remove_package":      AIAsk,
		"update_package":      AIAsk,
		"set_interface_state": AIAsk,
		"set_mode":            AIAsk,

		"tune_process_priority": AIAsk,
		"set_cpu_governor":      AIAsk,
		"set_sysctl":            AIAsk,
		"set_io_scheduler":      AIAsk,
		"load_kernel_module":    Disabled,
		"unload_kernel_module":  Disabled,

		"reboot":        Disabled,
		"reboot_system": AIAsk,
		"shutdown":      Disabled,
		"kill_process":  Disabled,
		"delete_user":   AIAsk,
	}
}
