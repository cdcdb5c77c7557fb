// Package router accepts pre-classified actions from any front end
// (dashboard, channels, email intake) and dispatches them to the task
// state machine. Payloads are validated against per-action JSON schemas
// compiled once at startup.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hollowbit/taskdeck/internal/orchestrator"
	"github.com/hollowbit/taskdeck/internal/store"
)

var (
	// ErrUnsupportedAction covers unknown kinds and malformed payloads.
	ErrUnsupportedAction = errors.New("unsupported action")
	// ErrProjectNotFound is returned for a create naming a project that
	// does not exist.
	ErrProjectNotFound = errors.New("project not found")
)

// Action kinds accepted by Dispatch.
const (
	KindCreate       = "create"
	KindProvideInput = "provideInput"
	KindCheckStatus  = "checkStatus"
	KindClose        = "close"
)

// Action is the front-end-agnostic inbound shape.
type Action struct {
	Kind    string          `json:"kind"`
	TaskID  string          `json:"taskId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is what an action produced. Logs are only populated for
// checkStatus.
type Result struct {
	Task *store.Task     `json:"task"`
	Logs []store.TaskLog `json:"logs,omitempty"`
}

// Core is the slice of the orchestrator the router needs.
type Core interface {
	CreateTask(ctx context.Context, req orchestrator.CreateTaskRequest) (*store.Task, error)
	ProvideInput(ctx context.Context, taskID, input string) (*store.Task, error)
	Close(ctx context.Context, taskID string) (*store.Task, error)
	Status(ctx context.Context, taskID string) (*store.Task, []store.TaskLog, error)
}

// ProjectResolver resolves a project reference ahead of dispatch so a
// bad reference maps to ErrProjectNotFound, not a generic not-found.
type ProjectResolver interface {
	ResolveProject(ctx context.Context, ref string) (*store.Project, error)
}

// Router validates and dispatches actions.
type Router struct {
	core     Core
	projects ProjectResolver
	schemas  map[string]*jsonschema.Schema
}

func New(core Core, projects ProjectResolver) (*Router, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Router{core: core, projects: projects, schemas: schemas}, nil
}

// createPayload mirrors the create schema.
type createPayload struct {
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
	Project      string `json:"project,omitempty"`
	ExecutorKind string `json:"executorKind,omitempty"`
	TaskType     string `json:"taskType,omitempty"`
}

// inputPayload mirrors the provideInput schema.
type inputPayload struct {
	Input string `json:"input"`
}

// Dispatch validates the action and routes it to the core.
func (r *Router) Dispatch(ctx context.Context, action Action) (*Result, error) {
	schema, ok := r.schemas[action.Kind]
	if !ok {
		return nil, fmt.Errorf("kind %q: %w", action.Kind, ErrUnsupportedAction)
	}
	if err := r.validate(schema, action.Payload); err != nil {
		return nil, fmt.Errorf("%s payload: %v: %w", action.Kind, err, ErrUnsupportedAction)
	}

	switch action.Kind {
	case KindCreate:
		var payload createPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%s payload: %v: %w", action.Kind, err, ErrUnsupportedAction)
		}
		projectRef := payload.Project
		if projectRef != "" {
			project, err := r.projects.ResolveProject(ctx, projectRef)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, fmt.Errorf("project %q: %w", projectRef, ErrProjectNotFound)
				}
				return nil, err
			}
			projectRef = project.ID
		}
		task, err := r.core.CreateTask(ctx, orchestrator.CreateTaskRequest{
			ProjectRef:   projectRef,
			Title:        payload.Title,
			Body:         payload.Body,
			ExecutorKind: payload.ExecutorKind,
			TaskType:     payload.TaskType,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Task: task}, nil

	case KindProvideInput:
		if action.TaskID == "" {
			return nil, fmt.Errorf("provideInput requires a task reference: %w", ErrUnsupportedAction)
		}
		var payload inputPayload
		if err := json.Unmarshal(action.Payload, &payload); err != nil {
			return nil, fmt.Errorf("%s payload: %v: %w", action.Kind, err, ErrUnsupportedAction)
		}
		task, err := r.core.ProvideInput(ctx, action.TaskID, payload.Input)
		if err != nil {
			return nil, err
		}
		return &Result{Task: task}, nil

	case KindCheckStatus:
		if action.TaskID == "" {
			return nil, fmt.Errorf("checkStatus requires a task reference: %w", ErrUnsupportedAction)
		}
		task, logs, err := r.core.Status(ctx, action.TaskID)
		if err != nil {
			return nil, err
		}
		return &Result{Task: task, Logs: logs}, nil

	case KindClose:
		if action.TaskID == "" {
			return nil, fmt.Errorf("close requires a task reference: %w", ErrUnsupportedAction)
		}
		task, err := r.core.Close(ctx, action.TaskID)
		if err != nil {
			return nil, err
		}
		return &Result{Task: task}, nil
	}
	return nil, fmt.Errorf("kind %q: %w", action.Kind, ErrUnsupportedAction)
}

// validate runs the payload through the action's schema. A nil payload is
// normalized to an empty object so actions without parameters pass their
// (empty) schemas.
func (r *Router) validate(schema *jsonschema.Schema, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return schema.Validate(doc)
}

// actionSchemas holds the raw per-action payload schemas.
var actionSchemas = map[string]string{
	KindCreate: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"body": {"type": "string"},
			"project": {"type": "string"},
			"executorKind": {"type": "string", "enum": ["claude", "codex"]},
			"taskType": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	KindProvideInput: `{
		"type": "object",
		"required": ["input"],
		"properties": {
			"input": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	KindCheckStatus: `{
		"type": "object",
		"additionalProperties": false
	}`,
	KindClose: `{
		"type": "object",
		"additionalProperties": false
	}`,
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(actionSchemas))
	for kind, raw := range actionSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		name := kind + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		schema, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = schema
	}
	return out, nil
}
