package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/basket/systerd/internal/config"
	"github.com/basket/systerd/internal/mode"
	"github.com/basket/systerd/internal/neurobus"
	"github.com/basket/systerd/internal/permission"
	"github.com/basket/systerd/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// hostBinaries back the read-only host tools and the shell tool.
var hostBinaries = []string{"sh", "ps", "df", "uname", "ip", "cat"}

var lookPath = exec.LookPath

// Run executes all diagnostic checks. It opens the stores read-write, so it
// should not run concurrently with a daemon that is mid-startup.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkStateDir,
		checkTaskStore,
		checkNeuroBus,
		checkPermissions,
		checkModeACL,
		checkHostTools,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use", Detail: "It is written on first `systerd serve`"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)), Detail: cfg.Fingerprint()}
}

func checkStateDir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State Directory", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.StateDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "State Directory", Status: StatusFail, Message: fmt.Sprintf("State dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "State Directory", Status: StatusPass, Message: cfg.StateDir + " writable"}
}

func checkTaskStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Store", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.StateDBPath())
	if err != nil {
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.TaskCounts(ctx)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	var parts []string
	for status, n := range counts {
		total += n
		parts = append(parts, fmt.Sprintf("%s=%d", status, n))
	}
	return CheckResult{Name: "Task Store", Status: StatusPass, Message: fmt.Sprintf("%d scheduled tasks", total), Detail: strings.Join(sorted(parts), " ")}
}

func checkNeuroBus(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "NeuroBus", Status: StatusSkip, Message: "Config missing"}
	}
	log, err := neurobus.Open(neurobus.Config{
		Path:          cfg.NeuroBusPath(),
		MaxRows:       cfg.NeuroBus.MaxRows,
		RetentionDays: cfg.NeuroBus.RetentionDays,
		VacuumEvery:   -1,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return CheckResult{Name: "NeuroBus", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer log.Close()

	n, err := log.Count(ctx)
	if err != nil {
		return CheckResult{Name: "NeuroBus", Status: StatusFail, Message: fmt.Sprintf("Count failed: %v", err)}
	}
	res := CheckResult{Name: "NeuroBus", Status: StatusPass, Message: fmt.Sprintf("%d of %d rows used", n, cfg.NeuroBus.MaxRows)}
	if cfg.NeuroBus.MaxRows > 0 && n >= cfg.NeuroBus.MaxRows {
		res.Detail = "At capacity; oldest rows are evicted on every write"
	}
	return res
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	data, err := os.ReadFile(cfg.PermissionsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Permissions", Status: StatusWarn, Message: "permissions.json missing; defaults are seeded on first start"}
	}
	if err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Malformed JSON: %v", err)}
	}
	var bad []string
	for name, v := range raw {
		if _, err := permission.ParseLevel(v); err != nil {
			bad = append(bad, name)
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Permissions",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d of %d entries have unknown levels and are ignored", len(bad), len(raw)),
			Detail:  strings.Join(sorted(bad), ", "),
		}
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: fmt.Sprintf("%d explicit entries", len(raw))}
}

func checkModeACL(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Mode ACL", Status: StatusSkip, Message: "Config missing"}
	}
	data, err := os.ReadFile(cfg.ACLPath())
	if errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Mode ACL", Status: StatusWarn, Message: "mode.acl missing; a token is generated on first start"}
	}
	if err != nil {
		return CheckResult{Name: "Mode ACL", Status: StatusFail, Message: fmt.Sprintf("Read failed: %v", err)}
	}
	var acl struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.Unmarshal(data, &acl); err != nil {
		return CheckResult{Name: "Mode ACL", Status: StatusFail, Message: fmt.Sprintf("Malformed JSON: %v", err)}
	}
	n := 0
	for _, t := range acl.Tokens {
		if strings.TrimSpace(t) != "" {
			n++
		}
	}
	switch {
	case n > 0:
		return CheckResult{Name: "Mode ACL", Status: StatusPass, Message: fmt.Sprintf("%d token(s)", n)}
	case mode.EmptyACLPolicy(cfg.ACLPolicy) == mode.EmptyACLStrict:
		return CheckResult{Name: "Mode ACL", Status: StatusFail, Message: "ACL is empty and acl_policy is strict; mode changes are impossible"}
	default:
		return CheckResult{Name: "Mode ACL", Status: StatusWarn, Message: "ACL is empty; any token may change the mode"}
	}
}

func checkHostTools(_ context.Context, _ *config.Config) CheckResult {
	var missing, found []string
	for _, bin := range hostBinaries {
		if _, err := lookPath(bin); err != nil {
			missing = append(missing, bin)
		} else {
			found = append(found, bin)
		}
	}
	switch {
	case len(missing) == 0:
		return CheckResult{Name: "Host Tools", Status: StatusPass, Message: fmt.Sprintf("Checked %d binaries", len(found))}
	case slices.Contains(missing, "sh"):
		return CheckResult{Name: "Host Tools", Status: StatusFail, Message: "sh not found; shell and scheduled tasks cannot run", Detail: "missing: " + strings.Join(missing, ", ")}
	default:
		return CheckResult{Name: "Host Tools", Status: StatusWarn, Message: fmt.Sprintf("%d host tools will fail", len(missing)), Detail: "missing: " + strings.Join(missing, ", ")}
	}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err == nil {
		_ = ln.Close()
		return CheckResult{Name: "Bind Address", Status: StatusPass, Message: cfg.BindAddr + " available"}
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return CheckResult{Name: "Bind Address", Status: StatusWarn, Message: cfg.BindAddr + " in use", Detail: "A daemon may already be running; try `systerd status`"}
	}
	return CheckResult{Name: "Bind Address", Status: StatusFail, Message: fmt.Sprintf("Cannot listen on %s: %v", cfg.BindAddr, err)}
}

func sorted(s []string) []string {
	slices.Sort(s)
	return s
}
