// Package doctor runs environment diagnostics for the daemon: storage,
// container runtime, executor commands, and the tracker bridge.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hollowbit/taskdeck/internal/config"
	"github.com/hollowbit/taskdeck/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
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

// SandboxPinger is satisfied by the sandbox provisioner; nil skips the
// docker check.
type SandboxPinger interface {
	Ping(ctx context.Context) error
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, sandbox SandboxPinger, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkConfig(cfg),
		checkPermissions(cfg),
		checkDatabase(ctx, cfg),
		checkSandbox(ctx, cfg, sandbox),
		checkCodex(cfg),
		checkBridge(cfg),
	)
	return d
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	st, err := store.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer st.Close()

	if _, _, _, err := st.TaskCounts(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkSandbox(ctx context.Context, cfg *config.Config, sandbox SandboxPinger) CheckResult {
	if cfg == nil || !cfg.Executors.Claude.Enabled {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "Claude executor disabled"}
	}
	if sandbox == nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "Docker client not constructed"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sandbox.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Sandbox",
			Status:  "FAIL",
			Message: fmt.Sprintf("Docker daemon unreachable: %v", err),
			Detail:  "claude tasks cannot start without a container runtime",
		}
	}
	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "Docker daemon reachable"}
}

func checkCodex(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Executors.Codex.Enabled {
		return CheckResult{Name: "Codex", Status: "SKIP", Message: "Codex executor disabled"}
	}
	command := cfg.Executors.Codex.Command
	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{
			Name:    "Codex",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found in PATH", command),
		}
	}
	return CheckResult{Name: "Codex", Status: "PASS", Message: fmt.Sprintf("%s found", command), Detail: path}
}

func checkBridge(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Bridge.Enabled {
		return CheckResult{Name: "Bridge", Status: "SKIP", Message: "Bridge disabled"}
	}
	command := cfg.Bridge.Command
	path, err := exec.LookPath(command)
	if err != nil {
		// The bridge is best effort, so a missing CLI degrades, not fails.
		return CheckResult{
			Name:    "Bridge",
			Status:  "WARN",
			Message: fmt.Sprintf("tracker CLI %q not found, mirroring disabled", command),
		}
	}
	return CheckResult{Name: "Bridge", Status: "PASS", Message: fmt.Sprintf("%s found", command), Detail: path}
}
