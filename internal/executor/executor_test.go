package executor

import (
	"context"
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"claude", KindClaude, false},
		{"codex", KindCodex, false},
		{"", "", true},
		{"gpt", "", true},
		{"CLAUDE", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownKind) {
				t.Errorf("ParseKind(%q) err = %v, want ErrUnknownKind", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseKind(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestHandle_RoundTrip(t *testing.T) {
	h := Handle{Kind: KindClaude, Ref: "abc123", Workdir: "/var/lib/taskdeck/tasks/t1"}
	got, err := DecodeHandle(h.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("round trip = %+v, want %+v", got, h)
	}
}

func TestDecodeHandle_Invalid(t *testing.T) {
	for _, in := range []string{"", "not json", `{"kind":"claude"}`, `{"ref":"abc"}`} {
		if _, err := DecodeHandle(in); err == nil {
			t.Errorf("DecodeHandle(%q) succeeded, want error", in)
		}
	}
}

func TestRegistry_ForKind(t *testing.T) {
	reg := NewRegistry(
		NewClaudeExecutor(&fakeRuntime{}, ClaudeConfig{}, nil),
		NewCodexExecutor(&fakeRunner{}, CodexConfig{}, nil),
	)

	for _, kind := range []Kind{KindClaude, KindCodex} {
		e, err := reg.ForKind(kind)
		if err != nil {
			t.Fatalf("ForKind(%s): %v", kind, err)
		}
		if e.Kind() != kind {
			t.Fatalf("ForKind(%s).Kind() = %s", kind, e.Kind())
		}
	}

	if _, err := reg.ForKind("gemini"); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("ForKind(gemini) err = %v, want ErrUnknownKind", err)
	}

	kinds := reg.Kinds()
	if len(kinds) != 2 || kinds[0] != KindClaude || kinds[1] != KindCodex {
		t.Fatalf("Kinds() = %v", kinds)
	}
}

func TestStateTerminal(t *testing.T) {
	if StateRunning.Terminal() || StateNeedsInput.Terminal() {
		t.Fatal("non-terminal states reported terminal")
	}
	if !StateSucceeded.Terminal() || !StateFailed.Terminal() {
		t.Fatal("terminal states reported non-terminal")
	}
}

func TestStart_RequiresTitle(t *testing.T) {
	ctx := context.Background()
	execs := []Executor{
		NewClaudeExecutor(&fakeRuntime{}, ClaudeConfig{}, nil),
		NewCodexExecutor(&fakeRunner{}, CodexConfig{}, nil),
	}
	for _, e := range execs {
		if _, err := e.Start(ctx, Task{ID: "t1"}, t.TempDir()); !errors.Is(err, ErrInvalidTask) {
			t.Errorf("%s Start without title err = %v, want ErrInvalidTask", e.Kind(), err)
		}
	}
}
