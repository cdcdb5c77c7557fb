// Package bridge mirrors task lifecycle into an external issue tracker on
// a best-effort basis. The store is always authoritative; a broken or
// missing tracker never blocks a transition.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// Unmirrored marks a task with no external tracker reference.
const Unmirrored int64 = 0

// Tracker is the external issue tracker port.
type Tracker interface {
	Create(ctx context.Context, title, body, project string) (int64, error)
	Status(ctx context.Context, externalID int64, status string) error
	Close(ctx context.Context, externalID int64) error
}

// CLITracker drives a tracker through its command line client.
type CLITracker struct {
	command string
}

func NewCLITracker(command string) *CLITracker {
	return &CLITracker{command: command}
}

// createReply is the document `<cmd> create --json` prints.
type createReply struct {
	ID int64 `json:"id"`
}

func (t *CLITracker) Create(ctx context.Context, title, body, project string) (int64, error) {
	args := []string{"create", title}
	if body != "" {
		args = append(args, "--body", body)
	}
	if project != "" {
		args = append(args, "--project", project)
	}
	args = append(args, "--json")

	out, err := t.run(ctx, args)
	if err != nil {
		return Unmirrored, err
	}
	var reply createReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return Unmirrored, fmt.Errorf("tracker create: unparseable reply %q: %w", truncate(out), err)
	}
	if reply.ID <= 0 {
		return Unmirrored, fmt.Errorf("tracker create: reply has no id: %q", truncate(out))
	}
	return reply.ID, nil
}

func (t *CLITracker) Status(ctx context.Context, externalID int64, status string) error {
	_, err := t.run(ctx, []string{"status", fmt.Sprint(externalID), status})
	return err
}

func (t *CLITracker) Close(ctx context.Context, externalID int64) error {
	_, err := t.run(ctx, []string{"close", fmt.Sprint(externalID)})
	return err
}

func (t *CLITracker) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.command, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(errBuf.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("tracker %s: %s", args[0], detail)
	}
	return bytes.TrimSpace(outBuf.Bytes()), nil
}

func truncate(b []byte) string {
	const max = 120
	s := string(b)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
