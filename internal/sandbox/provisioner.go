// Package sandbox provisions per-task Docker containers for executor
// backends and interactive sessions. Containers are labeled with their
// task id so stale ones can be found and reaped after a crash.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// ErrUnavailable is returned when the Docker daemon cannot be reached.
var ErrUnavailable = fmt.Errorf("sandbox unavailable")

const taskLabel = "taskdeck.task"

// Config controls container defaults for every provisioned sandbox.
type Config struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = "taskdeck/agent:latest"
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = 1024
	}
	if c.NetworkMode == "" {
		c.NetworkMode = "bridge"
	}
	return c
}

// Provisioner creates and tears down task containers.
type Provisioner struct {
	cli    *client.Client
	cfg    Config
	logger *slog.Logger
}

func NewProvisioner(cfg Config, logger *slog.Logger) (*Provisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{cli: cli, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Ping verifies the daemon is reachable. Used by doctor and at startup.
func (p *Provisioner) Ping(ctx context.Context) error {
	if _, err := p.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Launch creates and starts a long-lived container for a task. The task
// workdir is bind-mounted at /workspace so the host can see the agent's
// control files. The container keeps stdin open with a TTY so a terminal
// session can attach later.
func (p *Provisioner) Launch(ctx context.Context, taskID, workdir string, cmd, env []string) (string, error) {
	name := "taskdeck-" + uuid.NewString()[:8]
	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:        p.cfg.Image,
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   "/workspace",
		Tty:          true,
		OpenStdin:    true,
		Labels:       map[string]string{taskLabel: taskID},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: p.cfg.MemoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(p.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workdir)},
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	p.logger.Info("sandbox launched",
		slog.String("task_id", taskID),
		slog.String("container_id", resp.ID[:12]),
		slog.String("image", p.cfg.Image))
	return resp.ID, nil
}

// Inspect reports whether a container is still running and, when it is
// not, its exit code.
func (p *Provisioner) Inspect(ctx context.Context, containerID string) (running bool, exitCode int, err error) {
	info, err := p.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, -1, fmt.Errorf("inspect container: %w", err)
	}
	if info.State == nil {
		return false, -1, fmt.Errorf("inspect container %s: empty state", containerID[:12])
	}
	return info.State.Running, info.State.ExitCode, nil
}

// Kill sends SIGKILL. Killing an already stopped container is not an error.
func (p *Provisioner) Kill(ctx context.Context, containerID string) error {
	err := p.cli.ContainerKill(ctx, containerID, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		running, _, inspectErr := p.Inspect(ctx, containerID)
		if inspectErr == nil && !running {
			return nil
		}
		return fmt.Errorf("kill container: %w", err)
	}
	return nil
}

// Release removes the container and its anonymous volumes.
func (p *Provisioner) Release(ctx context.Context, containerID string) error {
	err := p.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Attach opens a bidirectional stream to the container's TTY.
func (p *Provisioner) Attach(ctx context.Context, containerID string) (io.ReadWriteCloser, error) {
	hijack, err := p.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container: %w", err)
	}
	return &attachStream{hijack.Reader, hijack.Conn}, nil
}

type attachStream struct {
	io.Reader
	conn io.WriteCloser
}

func (a *attachStream) Write(p []byte) (int, error) { return a.conn.Write(p) }
func (a *attachStream) Close() error                { return a.conn.Close() }

// Reap removes containers left over from a previous run. Called at
// startup before task recovery so requeued tasks get fresh sandboxes.
func (p *Provisioner) Reap(ctx context.Context) (int, error) {
	list, err := p.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", taskLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("list stale containers: %w", err)
	}
	reaped := 0
	for _, c := range list {
		if err := p.Release(ctx, c.ID); err != nil {
			p.logger.Warn("reap failed",
				slog.String("container_id", c.ID[:12]),
				slog.String("error", err.Error()))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		p.logger.Info("reaped stale sandboxes", slog.Int("count", reaped))
	}
	return reaped, nil
}

// Probe runs a trivial command in a throwaway container to confirm the
// daemon can actually execute workloads, not just answer pings.
func (p *Provisioner) Probe(ctx context.Context) error {
	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image: p.cfg.Image,
		Cmd:   []string{"true"},
		Tty:   false,
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(p.cfg.NetworkMode),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("probe create: %w", err)
	}
	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("probe start: %w", err)
	}
	statusCh, errCh := p.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return fmt.Errorf("probe wait: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			out, _ := p.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
			var stdoutBuf, stderrBuf bytes.Buffer
			if out != nil {
				_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
				out.Close()
			}
			return fmt.Errorf("probe exited %d: %s", status.StatusCode, stderrBuf.String())
		}
	case <-ctx.Done():
		_ = p.cli.ContainerKill(context.Background(), resp.ID, "SIGKILL")
		return ctx.Err()
	}
	return nil
}

// Close closes the underlying docker client.
func (p *Provisioner) Close() error {
	return p.cli.Close()
}
