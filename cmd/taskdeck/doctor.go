package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/hollowbit/taskdeck/internal/config"
	"github.com/hollowbit/taskdeck/internal/doctor"
	"github.com/hollowbit/taskdeck/internal/sandbox"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// We continue anyway to diagnose why
	}

	// The provisioner doubles as the container runtime probe. A failed
	// client construction is itself a diagnosis, so pass nil through.
	var pinger doctor.SandboxPinger
	if cfg.Executors.Claude.Enabled {
		if prov, provErr := sandbox.NewProvisioner(sandbox.Config{
			Image:       cfg.Sandbox.Image,
			MemoryMB:    cfg.Sandbox.MemoryMB,
			NetworkMode: cfg.Sandbox.NetworkMode,
		}, nil); provErr == nil {
			defer prov.Close()
			pinger = prov
		}
	}

	diag := doctor.Run(ctx, &cfg, pinger, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("Taskdeck Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	icons := isatty.IsTerminal(os.Stdout.Fd())

	failCount := 0
	for _, res := range diag.Results {
		if res.Status == "FAIL" {
			failCount++
		}
		fmt.Printf("%s %-12s: %s\n", statusMarker(res.Status, icons), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}

// statusMarker returns an emoji for terminals and a plain tag when the
// output is piped or redirected.
func statusMarker(status string, icons bool) string {
	if icons {
		switch status {
		case "FAIL":
			return "❌"
		case "WARN":
			return "⚠️ "
		case "SKIP":
			return "⏩"
		default:
			return "✅"
		}
	}
	return fmt.Sprintf("[%s]", status)
}
