package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hollowbit/taskdeck/internal/bridge"
	"github.com/hollowbit/taskdeck/internal/bus"
	"github.com/hollowbit/taskdeck/internal/channels"
	"github.com/hollowbit/taskdeck/internal/config"
	"github.com/hollowbit/taskdeck/internal/executor"
	"github.com/hollowbit/taskdeck/internal/gateway"
	"github.com/hollowbit/taskdeck/internal/maintenance"
	"github.com/hollowbit/taskdeck/internal/orchestrator"
	otelPkg "github.com/hollowbit/taskdeck/internal/otel"
	"github.com/hollowbit/taskdeck/internal/router"
	"github.com/hollowbit/taskdeck/internal/sandbox"
	"github.com/hollowbit/taskdeck/internal/session"
	"github.com/hollowbit/taskdeck/internal/store"
	"github.com/hollowbit/taskdeck/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Start the orchestrator daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKDECK_HOME               Data directory (default: ~/.taskdeck)
  TASKDECK_BIND_ADDR          Gateway listen address
  TASKDECK_AUTH_TOKEN         Bearer token for the HTTP API
  TASKDECK_WORKER_COUNT       Orchestrator worker pool size
  TASKDECK_DB_PATH            SQLite database path
  TASKDECK_LOG_LEVEL          debug | info | warn | error
  TASKDECK_BRIDGE_COMMAND     Tracker CLI for the bridge (enables it)
  TASKDECK_TELEGRAM_TOKEN     Telegram bot token

EXAMPLES:
  Start the daemon:       %s -daemon
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run the orchestrator daemon")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	runDaemon(ctx, stop, *quiet)
}

func runDaemon(ctx context.Context, stop context.CancelFunc, quiet bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "fingerprint", cfg.Fingerprint(), "version", Version)

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.New()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Warn("metrics init failed, continuing without", "error", err)
	} else {
		go metrics.Observe(ctx, eventBus)
	}

	st, err := store.Open(cfg.DatabasePath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DatabasePath())

	// The sandbox provisioner backs both the claude executor and the
	// terminal session manager. A missing Docker daemon degrades the
	// deployment to codex-only instead of refusing to start.
	var provisioner *sandbox.Provisioner
	if cfg.Executors.Claude.Enabled {
		provisioner, err = sandbox.NewProvisioner(sandbox.Config{
			Image:       cfg.Sandbox.Image,
			MemoryMB:    cfg.Sandbox.MemoryMB,
			NetworkMode: cfg.Sandbox.NetworkMode,
		}, logger)
		if err != nil {
			logger.Warn("sandbox unavailable, claude executor disabled", "error", err)
			provisioner = nil
		} else {
			defer provisioner.Close()
			if reaped, err := provisioner.Reap(ctx); err != nil {
				logger.Warn("orphan container reap failed", "error", err)
			} else if reaped > 0 {
				logger.Info("reaped orphan task containers", "count", reaped)
			}
		}
	}

	var execs []executor.Executor
	if provisioner != nil {
		execs = append(execs, executor.NewClaudeExecutor(provisioner, executor.ClaudeConfig{
			Command: cfg.Executors.Claude.Command,
			Env:     cfg.Executors.Claude.Env,
		}, logger))
	}
	if cfg.Executors.Codex.Enabled {
		execs = append(execs, executor.NewCodexExecutor(executor.HostRunner{}, executor.CodexConfig{
			Command: cfg.Executors.Codex.Command,
			Args:    cfg.Executors.Codex.Args,
			Timeout: time.Duration(cfg.Executors.Codex.TimeoutSeconds) * time.Second,
		}, logger))
	}
	if len(execs) == 0 {
		fatalStartup(logger, "E_NO_EXECUTORS", errors.New("no executor backend available; enable codex or start the container runtime"))
	}
	registry := executor.NewRegistry(execs...)
	logger.Info("startup phase", "phase", "executors_ready", "kinds", registry.Kinds())

	mirror := bridge.NewSynchronizer(bridge.Config{
		Enabled: cfg.Bridge.Enabled,
		Command: cfg.Bridge.Command,
		Project: cfg.Bridge.Project,
		Timeout: time.Duration(cfg.Bridge.TimeoutSeconds) * time.Second,
	}, st, eventBus, logger)

	workdirRoot := cfg.WorkdirRoot
	if !filepath.IsAbs(workdirRoot) {
		workdirRoot = filepath.Join(cfg.HomeDir, workdirRoot)
	}
	orchCfg := orchestrator.Config{
		Workers:      cfg.WorkerCount,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		InputTimeout: time.Duration(cfg.InputTimeoutMinutes) * time.Minute,
		WorkdirRoot:  workdirRoot,
		StartRetries: cfg.StartRetries,
	}
	if metrics != nil {
		orchCfg.Metrics = metrics
	}
	orch := orchestrator.New(st, registry, mirror, eventBus, orchCfg, logger)

	if err := orch.Recover(ctx); err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_complete")

	orchDone := make(chan struct{})
	go func() {
		defer close(orchDone)
		orch.Run(ctx)
	}()

	rtr, err := router.New(orch, st)
	if err != nil {
		fatalStartup(logger, "E_ROUTER_INIT", err)
	}

	// Terminal sessions relay typed lines back through the action
	// router so answering a prompt in a live session counts the same
	// as answering over the API.
	var sessions *session.Manager
	if provisioner != nil {
		relay := func(taskID, user, line string) {
			payload, err := json.Marshal(map[string]string{"input": line})
			if err != nil {
				return
			}
			_, err = rtr.Dispatch(ctx, router.Action{Kind: router.KindProvideInput, TaskID: taskID, Payload: payload})
			if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
				logger.Warn("terminal input relay failed", "task_id", taskID, "user", user, "error", err)
			}
		}
		sessions = session.NewManager(provisioner, st, relay, logger)
		if metrics != nil {
			sessions.SetGauge(metrics)
		}
		defer sessions.CloseAll()
	}

	sweeper, err := maintenance.NewSweeper(maintenance.Config{
		Store:    st,
		Logger:   logger,
		Schedule: cfg.SweepSchedule,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				rtr,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config changed on disk", "path", ev.Path, "op", ev.Op.String())
				newCfg, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed, keeping current settings", "error", err)
					continue
				}
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config change requires a restart to take effect",
						"current", cfg.Fingerprint(), "new", newCfg.Fingerprint())
				}
				eventBus.Publish("config.reloaded", newCfg.Fingerprint())
			}
		}()
	}

	gwCfg := gateway.Config{
		Store:        st,
		Actions:      rtr,
		Logger:       logger,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
	}
	if sessions != nil {
		gwCfg.Sessions = sessions
	}
	gw := gateway.New(gwCfg)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Shutdown order: stop intake first, then drain the worker pool
	// (Run waits for in-flight bridge mirrors), then the deferred
	// session CloseAll and store Close run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	select {
	case <-orchDone:
	case <-time.After(30 * time.Second):
		logger.Warn("worker pool did not drain before timeout")
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"taskdeck","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}
