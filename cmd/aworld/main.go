// Command aworld runs one task against an LLM agent wired with the built-in
// tools and any configured MCP servers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"

	aworld "github.com/nevindra/aworld"
	"github.com/nevindra/aworld/internal/config"
	"github.com/nevindra/aworld/mcptool"
	"github.com/nevindra/aworld/observer"
	"github.com/nevindra/aworld/provider/openai"
	pgstore "github.com/nevindra/aworld/store/postgres"
	"github.com/nevindra/aworld/store/sqlite"
	"github.com/nevindra/aworld/tools/calculator"
	"github.com/nevindra/aworld/tools/readweb"
	"github.com/nevindra/aworld/tools/shellbox"
)

// Exit codes: 0 success, 1 task failed, 2 invalid configuration, 124 timeout.
const (
	exitOK      = 0
	exitFailed  = 1
	exitConfig  = 2
	exitTimeout = 124
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", os.Getenv("AWORLD_CONFIG"), "config file path")
		input       = flag.String("input", "", "task input, or @file to read it from a file (required)")
		agentPath   = flag.String("agent", "", "agent definition YAML")
		prompt      = flag.String("prompt", "You are a helpful assistant.", "agent system prompt")
		streaming   = flag.Bool("streaming", false, "stream messages to stdout")
		runConfPath = flag.String("run-conf", "", "run configuration YAML")
	)
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: aworld --input <text|@file> [--agent file] [--config file] [--streaming] [--run-conf file]")
		return exitConfig
	}
	taskInput, err := resolveInput(*input)
	if err != nil {
		fmt.Fprintln(os.Stderr, "input:", err)
		return exitConfig
	}

	// 1. Load config and logger
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}
	log, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "log:", err)
		return exitConfig
	}
	if closeLog != nil {
		defer closeLog()
	}

	if cfg.LLM.APIKey == "" {
		log.Error("LLM_API_KEY is not set")
		return exitConfig
	}

	spec := agentSpec{Name: "assistant", SystemPrompt: *prompt}
	if *agentPath != "" {
		spec, err = loadAgentSpec(*agentPath)
		if err != nil {
			log.Error("load agent definition", "error", err)
			return exitConfig
		}
	}

	runConf := cfg.Run
	if *runConfPath != "" {
		data, err := os.ReadFile(*runConfPath)
		if err != nil {
			log.Error("read run conf", "error", err)
			return exitConfig
		}
		runConf, err = aworld.ParseRunConf(data)
		if err != nil {
			log.Error("parse run conf", "error", err)
			return exitConfig
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Provider with transient-retry
	base, err := newProvider(cfg.LLM)
	if err != nil {
		log.Error("provider", "error", err)
		return exitConfig
	}
	provider := aworld.WithRetry(base, aworld.RetryLogger(log))

	// 3. Scheduler options: observer, store
	opts := []aworld.SchedulerOption{aworld.WithSchedulerLogger(log)}

	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx)
		if err != nil {
			log.Warn("observer init failed, continuing without export", "error", err)
			inst = nil
		} else {
			defer shutdown(context.Background())
			opts = append(opts, aworld.WithTracer(observer.NewTracer()))
		}
	}

	store, closeStore, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		log.Error("open store", "error", err)
		return exitConfig
	}
	if store != nil {
		defer closeStore()
		opts = append(opts, aworld.WithTrajectoryStore(store))
	}

	sched := aworld.NewScheduler(opts...)
	defer sched.Close(context.Background())

	if inst != nil {
		observer.Attach(sched.Bus(), inst)
	}

	// 4. Tools
	reg := sched.Registry()
	mustRegister(reg, calculator.New())
	mustRegister(reg, readweb.New())
	mustRegister(reg, shellbox.New(cfg.Workspace))

	for _, mc := range cfg.MCP {
		client, err := mcptool.Connect(ctx, sched.Sandbox(), mc, mcptool.WithLogger(log))
		if err != nil {
			log.Warn("mcp server skipped", "server", mc.Name, "error", err)
			continue
		}
		if err := mcptool.Register(reg, sched.Sandbox(), client); err != nil {
			log.Warn("mcp server register failed", "server", mc.Name, "error", err)
			_ = client.Close()
		}
	}

	// 5. Agent + task
	agent := aworld.NewLLMAgent(spec.Name, provider, reg, spec.options(cfg.LLM, log)...)

	task := aworld.NewTask(taskInput,
		aworld.WithAgent(agent),
		aworld.WithRunConf(runConf))

	// 6. Run
	var resp aworld.TaskResponse
	if *streaming {
		resp, err = runStreaming(ctx, sched, task)
		if err != nil {
			log.Error("streaming submission failed", "error", err)
			return exitConfig
		}
	} else {
		resp, err = sched.RunTask(ctx, task)
		if err != nil {
			log.Error("task submission failed", "error", err)
			return exitConfig
		}
	}
	if cfg.Log.Path != "" {
		if err := dumpTrajectory(cfg.Log.Path, resp); err != nil {
			log.Warn("trajectory dump failed", "task_id", resp.ID, "error", err)
		}
	}
	return report(resp)
}

// resolveInput returns the literal argument, or the contents of the file an
// @-prefixed argument names.
func resolveInput(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// agentSpec is the --agent YAML: a named agent with its prompt and limits.
type agentSpec struct {
	Name               string   `yaml:"name"`
	SystemPrompt       string   `yaml:"system_prompt"`
	Temperature        *float64 `yaml:"temperature,omitempty"`
	AllowedTools       []string `yaml:"allowed_tools,omitempty"`
	MaxSteps           int      `yaml:"max_steps,omitempty"`
	FeedbackToolResult *bool    `yaml:"feedback_tool_result,omitempty"`
}

func loadAgentSpec(path string) (agentSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return agentSpec{}, err
	}
	var spec agentSpec
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return agentSpec{}, aworld.WrapError(aworld.ErrInvalidConfig, err, "parse %s", path)
	}
	if spec.Name == "" {
		spec.Name = "assistant"
	}
	return spec, nil
}

// options builds the LLMAgent options, with the config temperature as the
// fallback when the agent file sets none.
func (s agentSpec) options(llm config.LLMConfig, log *slog.Logger) []aworld.LLMAgentOption {
	opts := []aworld.LLMAgentOption{
		aworld.WithSystemPrompt(s.SystemPrompt),
		aworld.WithLLMAgentLogger(log),
	}
	switch {
	case s.Temperature != nil:
		opts = append(opts, aworld.WithTemperature(*s.Temperature))
	case llm.Temperature != 0:
		opts = append(opts, aworld.WithTemperature(llm.Temperature))
	}
	var shared []aworld.AgentOption
	if s.AllowedTools != nil {
		shared = append(shared, aworld.WithAllowedTools(s.AllowedTools...))
	}
	if s.MaxSteps > 0 {
		shared = append(shared, aworld.WithAgentMaxSteps(s.MaxSteps))
	}
	if s.FeedbackToolResult != nil {
		shared = append(shared, aworld.WithFeedbackToolResult(*s.FeedbackToolResult))
	}
	if len(shared) > 0 {
		opts = append(opts, aworld.WithAgentOptions(shared...))
	}
	return opts
}

// newProvider builds the configured chat provider.
func newProvider(llm config.LLMConfig) (aworld.Provider, error) {
	switch llm.Provider {
	case "", "openai", "openai-compatible":
		return openai.New(llm.APIKey, llm.Model, llm.BaseURL), nil
	default:
		return nil, aworld.NewError(aworld.ErrInvalidConfig, "unknown llm provider %q", llm.Provider)
	}
}

// runStreaming prints chunks as they arrive and returns the terminator.
func runStreaming(ctx context.Context, sched *aworld.Scheduler, task *aworld.Task) (aworld.TaskResponse, error) {
	stream, err := sched.StreamingRunTask(ctx, task)
	if err != nil {
		return aworld.TaskResponse{}, err
	}
	var final aworld.TaskResponse
	for m := range stream {
		switch {
		case m.Category == aworld.CategoryChunk:
			if text, ok := m.Payload.(string); ok {
				fmt.Print(text)
			}
		case m.Terminal():
			if resp, ok := m.Payload.(aworld.TaskResponse); ok {
				final = resp
			}
		}
	}
	fmt.Println()
	return final, nil
}

func report(resp aworld.TaskResponse) int {
	if resp.Success {
		fmt.Println(resp.Answer)
		return exitOK
	}
	fmt.Fprintln(os.Stderr, "task failed:", resp.Msg)
	switch resp.Msg {
	case string(aworld.ErrTimeout):
		return exitTimeout
	case string(aworld.ErrInvalidConfig), string(aworld.ErrInvalidTopology):
		return exitConfig
	}
	return exitFailed
}

// dumpTrajectory writes the terminator as one JSON file per task id.
func dumpTrajectory(dir string, resp aworld.TaskResponse) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, resp.ID+".json"), data, 0o644)
}

// openStore builds the configured trajectory store, or nil when persistence
// is disabled.
func openStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (aworld.TrajectoryStore, func(), error) {
	switch cfg.Driver {
	case "":
		return nil, nil, nil
	case "sqlite":
		s := sqlite.New(cfg.DSN, sqlite.WithLogger(log))
		if err := s.Init(ctx); err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.New(ctx, cfg.DSN, pgstore.WithLogger(log))
		if err != nil {
			return nil, nil, err
		}
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, aworld.NewError(aworld.ErrInvalidConfig, "unknown store driver %q", cfg.Driver)
	}
}

func mustRegister(reg *aworld.Registry, t aworld.Tool) {
	if err := reg.Register(t); err != nil {
		panic(err)
	}
}

// newLogger builds the slog handler, writing to a file under the configured
// log directory when one is set.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	var closeFn func()
	if cfg.Path != "" {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(cfg.Path, "aworld.log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), closeFn, nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), closeFn, nil
}
