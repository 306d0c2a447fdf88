// Package mcptool exposes remote MCP (Model Context Protocol) servers as
// aworld tools.
//
// A connected server appears as one tool whose actions are the server's
// discovered tools. Executions are routed through the sandbox manager so all
// calls against one server are serialized on a single worker, matching the
// single-session nature of MCP transports.
//
// Transport support: stdio (subprocess), sse, and streamable-http.
package mcptool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	aworld "github.com/nevindra/aworld"
)

// Transport names accepted in Config.Transport.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

const defaultCallTimeout = 60 * time.Second

// Config describes one MCP server connection.
type Config struct {
	// Name is the tool name in the registry; it doubles as the sandbox id.
	Name string `yaml:"name"`
	// Transport is stdio, sse, or streamable-http.
	Transport string `yaml:"transport"`

	// Command, Args, and Env configure the stdio transport.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// URL and Headers configure the HTTP transports.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout bounds one tool call (default: 60s).
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// SSEReadTimeout bounds how long the sse transport may go without a
	// server event during the handshake.
	SSEReadTimeout time.Duration `yaml:"sse_read_timeout,omitempty"`
}

// Client is a connected MCP server exposed as an aworld.Tool.
type Client struct {
	cfg    Config
	client *mcpclient.Client
	decl   aworld.ToolDecl
	log    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Connect creates the transport, performs the MCP handshake, and discovers
// the server's tools as actions. The whole handshake runs on the sandbox
// worker that owns the server's id, the same worker every later call and the
// cleanup land on.
func Connect(ctx context.Context, sandbox *aworld.SandboxManager, cfg Config, opts ...Option) (*Client, error) {
	if cfg.Name == "" {
		return nil, aworld.NewError(aworld.ErrInvalidConfig, "mcp server needs a name")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCallTimeout
	}

	c := &Client{cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	var (
		cli    *mcpclient.Client
		listed *mcpgo.ListToolsResult
	)
	_, err := sandbox.Exec(ctx, cfg.Name, func(ctx context.Context) (aworld.ActionResult, error) {
		var err error
		cli, err = newClient(cfg)
		if err != nil {
			return aworld.ActionResult{}, aworld.WrapError(aworld.ErrInvalidConfig, err, "mcp %q: create client", cfg.Name)
		}
		if cfg.Transport == TransportSSE && cfg.SSEReadTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.SSEReadTimeout)
			defer cancel()
		}
		// SSE and streamable-http need explicit Start; stdio auto-starts.
		if cfg.Transport != TransportStdio && cfg.Transport != "" {
			if err := cli.Start(ctx); err != nil {
				_ = cli.Close()
				return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "mcp %q: start transport", cfg.Name)
			}
		}

		initReq := mcpgo.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
		initReq.Params.ClientInfo = mcpgo.Implementation{Name: "aworld", Version: "1.0.0"}
		if _, err := cli.Initialize(ctx, initReq); err != nil {
			_ = cli.Close()
			return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "mcp %q: initialize", cfg.Name)
		}

		listed, err = cli.ListTools(ctx, mcpgo.ListToolsRequest{})
		if err != nil {
			_ = cli.Close()
			return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "mcp %q: list tools", cfg.Name)
		}
		return aworld.ActionResult{}, nil
	})
	if err != nil {
		return nil, err
	}

	c.client = cli
	c.decl = aworld.ToolDecl{
		Name:      cfg.Name,
		Desc:      fmt.Sprintf("MCP server %s (%s)", cfg.Name, transportName(cfg)),
		Kind:      aworld.KindMCP,
		SandboxID: cfg.Name,
	}
	for _, t := range listed.Tools {
		c.decl.Actions = append(c.decl.Actions, aworld.ActionDecl{
			Name:   t.Name,
			Desc:   t.Description,
			Params: convertSchema(t.InputSchema),
		})
	}

	c.log.Info("mcp server connected",
		"server", cfg.Name,
		"transport", transportName(cfg),
		"tools", len(c.decl.Actions))
	return c, nil
}

// newClient creates the transport-appropriate mcp-go client.
func newClient(cfg Config) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio, "":
		return mcpclient.NewStdioMCPClient(cfg.Command, envSlice(cfg.Env), cfg.Args...)
	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(cfg.Headers))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)
	case TransportStreamableHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func (c *Client) Decl() aworld.ToolDecl { return c.decl }

// Exec calls one remote tool. A server-side isError result maps to a
// tool_failed ActionResult, not a Go error, so the agent can recover.
func (c *Client) Exec(ctx context.Context, action string, params map[string]any) (aworld.ActionResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = action
	req.Params.Arguments = params

	resp, err := c.client.CallTool(callCtx, req)
	if err != nil {
		return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "mcp %q: call %s", c.cfg.Name, action)
	}
	text := joinText(resp.Content)
	if resp.IsError {
		return aworld.ActionResult{
			Error: text,
			Kind:  aworld.ErrToolFailed,
		}, nil
	}
	return aworld.ActionResult{Content: text}, nil
}

// Close shuts the transport down.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Register adds the client to the registry and records its teardown with the
// sandbox manager, pinned to the server's worker.
func Register(reg *aworld.Registry, sandbox *aworld.SandboxManager, c *Client) error {
	if err := reg.Register(c); err != nil {
		return err
	}
	sandbox.Register(c.cfg.Name, func(context.Context) error { return c.Close() })
	return nil
}

// joinText concatenates the text blocks of an MCP result.
func joinText(content []mcpgo.Content) string {
	var texts []string
	for _, block := range content {
		if tc, ok := block.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// convertSchema maps an MCP input schema onto action parameter declarations.
func convertSchema(schema mcpgo.ToolInputSchema) map[string]aworld.ParamDecl {
	if len(schema.Properties) == 0 {
		return nil
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	params := make(map[string]aworld.ParamDecl, len(schema.Properties))
	for name, raw := range schema.Properties {
		p := aworld.ParamDecl{Type: aworld.ParamString, Required: required[name]}
		if m, ok := raw.(map[string]any); ok {
			if t, ok := m["type"].(string); ok {
				p.Type = paramType(t)
			}
			if d, ok := m["description"].(string); ok {
				p.Desc = d
			}
		}
		params[name] = p
	}
	return params
}

func paramType(jsonType string) aworld.ParamType {
	switch jsonType {
	case "integer":
		return aworld.ParamInt
	case "number":
		return aworld.ParamFloat
	case "boolean":
		return aworld.ParamBool
	case "object":
		return aworld.ParamObject
	case "array":
		return aworld.ParamArray
	default:
		return aworld.ParamString
	}
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func transportName(cfg Config) string {
	if cfg.Transport == "" {
		return TransportStdio
	}
	return cfg.Transport
}

var _ aworld.Tool = (*Client)(nil)
