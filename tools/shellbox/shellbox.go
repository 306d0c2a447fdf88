// Package shellbox provides a sandboxed shell tool: commands run as
// subprocesses confined to a workspace directory, serialized per sandbox by
// the loop pool.
package shellbox

import (
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	aworld "github.com/nevindra/aworld"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 64 << 10 // 64 KB combined output cap
)

// blockedPatterns are checked before execution to reject obviously dangerous
// commands.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-rf\s+/`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{.*\};:`),
}

// Tool runs shell commands inside a workspace. Its kind is sandbox, so all
// executions for one workspace land on the same worker.
type Tool struct {
	workspace string
	sandboxID string
	timeout   time.Duration
	maxOutput int
}

// Option configures the tool.
type Option func(*Tool)

// WithTimeout bounds one command execution.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithSandboxID overrides the sandbox identity (default: the workspace path).
func WithSandboxID(id string) Option {
	return func(t *Tool) { t.sandboxID = id }
}

// WithMaxOutput caps captured output bytes.
func WithMaxOutput(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxOutput = n
		}
	}
}

// New creates a shell tool rooted at workspace.
func New(workspace string, opts ...Option) *Tool {
	t := &Tool{
		workspace: workspace,
		timeout:   defaultTimeout,
		maxOutput: defaultMaxOutput,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.sandboxID == "" {
		t.sandboxID = "shellbox:" + workspace
	}
	return t
}

func (t *Tool) Decl() aworld.ToolDecl {
	return aworld.ToolDecl{
		Name:      "shellbox",
		Desc:      "Run a shell command inside the task workspace.",
		Kind:      aworld.KindSandbox,
		SandboxID: t.sandboxID,
		Actions: []aworld.ActionDecl{{
			Name: "run",
			Desc: "Execute a shell command and return combined stdout and stderr.",
			Params: map[string]aworld.ParamDecl{
				"command": {Type: aworld.ParamString, Desc: "shell command line", Required: true},
				"cwd":     {Type: aworld.ParamString, Desc: "working dir relative to workspace"},
			},
		}},
	}
}

func (t *Tool) Exec(ctx context.Context, action string, params map[string]any) (aworld.ActionResult, error) {
	if action != "run" {
		return aworld.ActionResult{}, aworld.NewError(aworld.ErrToolFailed, "unknown action %q", action)
	}
	command, _ := params["command"].(string)
	for _, pat := range blockedPatterns {
		if pat.MatchString(command) {
			return aworld.ActionResult{
				Error: "blocked: command matches prohibited pattern " + pat.String(),
				Kind:  aworld.ErrToolFailed,
			}, nil
		}
	}

	dir := t.workspace
	if rel, _ := params["cwd"].(string); rel != "" {
		resolved := filepath.Join(t.workspace, rel)
		if !strings.HasPrefix(resolved, filepath.Clean(t.workspace)) {
			return aworld.ActionResult{}, aworld.NewError(aworld.ErrSchema, "cwd %q escapes workspace", rel)
		}
		dir = resolved
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if len(out) > t.maxOutput {
		out = out[:t.maxOutput]
	}
	content := strings.TrimSpace(string(out))

	if execCtx.Err() == context.DeadlineExceeded {
		return aworld.ActionResult{
			Error: "command timed out after " + t.timeout.String(),
			Kind:  aworld.ErrToolTimeout,
		}, nil
	}
	if err != nil {
		res := aworld.ActionResult{
			Error: err.Error(),
			Kind:  aworld.ErrToolFailed,
		}
		if content != "" {
			res.Error = content + "\n" + err.Error()
		}
		return res, nil
	}
	return aworld.ActionResult{Content: content}, nil
}

var _ aworld.Tool = (*Tool)(nil)
