package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/basket/systerd/internal/protocol"
	"github.com/basket/systerd/internal/registry"
)

// hostCommand is one read-only host operation backed by a fixed argv.
type hostCommand struct {
	Name        string
	Description string
	Argv        []string
	// Parse converts stdout into structured output; nil returns raw text.
	Parse func(stdout string, limit int) (any, error)
}

var hostCommands = []hostCommand{
	{
		Name:        "list_processes",
		Description: "List processes sorted by CPU usage",
		Argv:        []string{"ps", "-eo", "pid,ppid,user,pcpu,pmem,comm", "--sort=-pcpu"},
		Parse:       parseProcesses,
	},
	{
		Name:        "get_disk_usage",
		Description: "Report filesystem usage",
		Argv:        []string{"df", "-P", "-k"},
		Parse:       parseDiskUsage,
	},
	{
		Name:        "get_kernel_info",
		Description: "Report kernel name, release, version and machine",
		Argv:        []string{"uname", "-srvm"},
		Parse:       parseUname,
	},
	{
		Name:        "get_uptime",
		Description: "Report seconds since boot",
		Argv:        []string{"cat", "/proc/uptime"},
		Parse:       parseUptime,
	},
	{
		Name:        "list_interfaces",
		Description: "List network interfaces and addresses",
		Argv:        []string{"ip", "-j", "addr"},
		Parse:       parseJSON,
	},
	{
		Name:        "list_mounts",
		Description: "List mounted filesystems",
		Argv:        []string{"cat", "/proc/mounts"},
		Parse:       parseMounts,
	},
}

type hostArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=1000,default=50"`
}

type shellArgs struct {
	Command    string `json:"command" jsonschema:"required"`
	WorkingDir string `json:"working_dir,omitempty"`
	TimeoutSec int    `json:"timeout_sec,omitempty" jsonschema:"minimum=1,maximum=120"`
}

func hostTools(d Deps) []registry.Descriptor {
	shell := d.Shell
	out := make([]registry.Descriptor, 0, len(hostCommands)+1)
	for _, hc := range hostCommands {
		out = append(out, registry.Tool(hc.Name, hc.Description,
			func(ctx context.Context, a hostArgs) (any, error) {
				limit := a.Limit
				if limit <= 0 {
					limit = 50
				}
				res, err := shell.RunArgs(ctx, hc.Argv...)
				if err != nil {
					return nil, err
				}
				if res.TimedOut {
					return nil, context.DeadlineExceeded
				}
				if res.ExitCode != 0 {
					return nil, protocol.ExecutionFailed(hc.Name,
						fmt.Errorf("%s exited with %d: %s", hc.Argv[0], res.ExitCode, strings.TrimSpace(res.Stderr)))
				}
				if hc.Parse == nil {
					return map[string]any{"output": res.Stdout}, nil
				}
				parsed, err := hc.Parse(res.Stdout, limit)
				if err != nil {
					return map[string]any{"output": res.Stdout, "parse_error": err.Error()}, nil
				}
				return parsed, nil
			}))
	}
	out = append(out, registry.Tool("execute_shell_command",
		"Execute a shell command. Deny-listed commands (rm, sudo, kill, ...) are blocked; output is truncated and secrets are redacted.",
		func(ctx context.Context, a shellArgs) (any, error) {
			res, err := shell.Run(ctx, a.Command, a.WorkingDir, time.Duration(a.TimeoutSec)*time.Second)
			if errors.Is(err, ErrCommandDenied) {
				return nil, protocol.NewError(protocol.KindPermission, protocol.CodePermissionDenied, err.Error(), err).
					WithDetail("command", a.Command)
			}
			if err != nil {
				return nil, err
			}
			return res, nil
		}))
	return out
}

func parseProcesses(stdout string, limit int) (any, error) {
	type proc struct {
		PID     int     `json:"pid"`
		PPID    int     `json:"ppid"`
		User    string  `json:"user"`
		CPU     float64 `json:"cpu_percent"`
		Memory  float64 `json:"memory_percent"`
		Command string  `json:"command"`
	}
	procs := []proc{}
	sc := bufio.NewScanner(strings.NewReader(stdout))
	header := true
	for sc.Scan() {
		if header {
			header = false
			continue
		}
		f := strings.Fields(sc.Text())
		if len(f) < 6 {
			continue
		}
		pid, err := strconv.Atoi(f[0])
		if err != nil {
			continue
		}
		ppid, _ := strconv.Atoi(f[1])
		cpu, _ := strconv.ParseFloat(f[3], 64)
		mem, _ := strconv.ParseFloat(f[4], 64)
		procs = append(procs, proc{PID: pid, PPID: ppid, User: f[2], CPU: cpu, Memory: mem, Command: strings.Join(f[5:], " ")})
		if len(procs) >= limit {
			break
		}
	}
	return map[string]any{"count": len(procs), "processes": procs}, sc.Err()
}

func parseDiskUsage(stdout string, limit int) (any, error) {
	type fs struct {
		Filesystem string `json:"filesystem"`
		TotalKB    int64  `json:"total_kb"`
		UsedKB     int64  `json:"used_kb"`
		AvailKB    int64  `json:"available_kb"`
		Percent    string `json:"percent"`
		Mount      string `json:"mount"`
	}
	out := []fs{}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 6 {
			continue
		}
		total, _ := strconv.ParseInt(f[1], 10, 64)
		used, _ := strconv.ParseInt(f[2], 10, 64)
		avail, _ := strconv.ParseInt(f[3], 10, 64)
		out = append(out, fs{Filesystem: f[0], TotalKB: total, UsedKB: used, AvailKB: avail, Percent: f[4], Mount: strings.Join(f[5:], " ")})
		if len(out) >= limit {
			break
		}
	}
	return map[string]any{"filesystems": out}, nil
}

func parseUname(stdout string, _ int) (any, error) {
	f := strings.Fields(stdout)
	if len(f) < 4 {
		return nil, fmt.Errorf("unexpected uname output %q", strings.TrimSpace(stdout))
	}
	return map[string]any{
		"kernel":  f[0],
		"release": f[1],
		"version": strings.Join(f[2:len(f)-1], " "),
		"machine": f[len(f)-1],
	}, nil
}

func parseUptime(stdout string, _ int) (any, error) {
	f := strings.Fields(stdout)
	if len(f) == 0 {
		return nil, errors.New("empty uptime")
	}
	secs, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return nil, fmt.Errorf("parse uptime: %w", err)
	}
	d := time.Duration(secs * float64(time.Second))
	return map[string]any{
		"uptime_seconds": secs,
		"uptime":         d.Truncate(time.Second).String(),
		"boot_time":      time.Now().Add(-d).UTC().Format(time.RFC3339),
	}, nil
}

func parseJSON(stdout string, _ int) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(stdout), &v); err != nil {
		return nil, err
	}
	return map[string]any{"result": v}, nil
}

func parseMounts(stdout string, limit int) (any, error) {
	type mount struct {
		Device  string `json:"device"`
		Mount   string `json:"mount"`
		Type    string `json:"type"`
		Options string `json:"options"`
	}
	out := []mount{}
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		f := strings.Fields(line)
		if len(f) < 4 {
			continue
		}
		out = append(out, mount{Device: f[0], Mount: f[1], Type: f[2], Options: f[3]})
		if len(out) >= limit {
			break
		}
	}
	return map[string]any{"count": len(out), "mounts": out}, nil
}
