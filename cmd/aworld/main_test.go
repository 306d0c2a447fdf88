package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	aworld "github.com/nevindra/aworld"
)

func TestResolveInputLiteral(t *testing.T) {
	got, err := resolveInput("plain text")
	if err != nil {
		t.Fatal(err)
	}
	if got != "plain text" {
		t.Errorf("resolveInput = %q", got)
	}
}

func TestResolveInputFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(path, []byte("file contents\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := resolveInput("@" + path)
	if err != nil {
		t.Fatal(err)
	}
	if got != "file contents" {
		t.Errorf("resolveInput = %q, want the file body without the trailing newline", got)
	}
}

func TestResolveInputMissingFile(t *testing.T) {
	if _, err := resolveInput("@" + filepath.Join(t.TempDir(), "nope.txt")); err == nil {
		t.Fatal("missing @file should error")
	}
}

func TestLoadAgentSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := []byte(`
name: researcher
system_prompt: You research things.
temperature: 0.2
allowed_tools: [readweb, calculator]
max_steps: 12
feedback_tool_result: false
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := loadAgentSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "researcher" || spec.SystemPrompt != "You research things." {
		t.Errorf("spec = %+v", spec)
	}
	if spec.Temperature == nil || *spec.Temperature != 0.2 {
		t.Errorf("temperature = %v", spec.Temperature)
	}
	if len(spec.AllowedTools) != 2 || spec.MaxSteps != 12 {
		t.Errorf("spec = %+v", spec)
	}
	if spec.FeedbackToolResult == nil || *spec.FeedbackToolResult {
		t.Errorf("feedback_tool_result = %v", spec.FeedbackToolResult)
	}
}

func TestLoadAgentSpecRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("name: a\npromptt: typo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadAgentSpec(path); !aworld.IsKind(err, aworld.ErrInvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestLoadAgentSpecDefaultsName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("system_prompt: hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	spec, err := loadAgentSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "assistant" {
		t.Errorf("name = %q, want assistant", spec.Name)
	}
}

func TestDumpTrajectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	resp := aworld.TaskResponse{ID: "task-9", Success: true, Answer: "done"}
	if err := dumpTrajectory(dir, resp); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "task-9.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got aworld.TaskResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "task-9" || !got.Success || got.Answer != "done" {
		t.Errorf("dumped terminator = %+v", got)
	}
}
