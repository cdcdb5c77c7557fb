// Command runtime_smoke exercises a running daemon end to end: health,
// project creation, task creation through the action router, status
// readback and archive. It prints one CHECK line per step and exits
// non-zero on the first failure.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18990", "gateway base URL")
	token := flag.String("token", "", "bearer token")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &client{
		base:  strings.TrimRight(*base, "/"),
		token: strings.TrimSpace(*token),
		http:  &http.Client{},
	}

	var health struct {
		Healthy bool `json:"healthy"`
		DBOk    bool `json:"db_ok"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &health); err != nil {
		fatal("healthz", err)
	}
	if !health.Healthy || !health.DBOk {
		fatalf("healthz reports healthy=%v db_ok=%v", health.Healthy, health.DBOk)
	}
	fmt.Println("CHECK health ok")

	projectName := "smoke-" + uuid.NewString()[:8]
	var project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/projects", map[string]string{
		"name": projectName,
	}, &project); err != nil {
		fatal("create project", err)
	}
	if project.ID == "" {
		fatalf("project created without id: %+v", project)
	}
	fmt.Println("CHECK project ok")

	var created struct {
		Task struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/actions", map[string]any{
		"kind": "create",
		"payload": map[string]string{
			"project":      project.ID,
			"title":        "runtime smoke task",
			"executorKind": "codex",
		},
	}, &created); err != nil {
		fatal("create task", err)
	}
	if created.Task.ID == "" {
		fatalf("task created without id")
	}
	fmt.Println("CHECK create ok")

	var status struct {
		Task struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"task"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/actions", map[string]any{
		"kind":   "checkStatus",
		"taskId": created.Task.ID,
	}, &status); err != nil {
		fatal("check status", err)
	}
	if status.Task.ID != created.Task.ID {
		fatalf("status returned wrong task: got %q want %q", status.Task.ID, created.Task.ID)
	}
	fmt.Printf("CHECK status ok (%s)\n", status.Task.Status)

	if err := c.do(ctx, http.MethodPost, "/api/actions", map[string]any{
		"kind":   "close",
		"taskId": created.Task.ID,
	}, nil); err != nil {
		fatal("close task", err)
	}
	fmt.Println("CHECK close ok")

	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+created.Task.ID+"/archive", nil, nil); err != nil {
		fatal("archive task", err)
	}
	fmt.Println("CHECK archive ok")

	fmt.Println("PASS runtime smoke")
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if path != "/healthz" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
