package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	aworld "github.com/nevindra/aworld"
)

// Provider implements aworld.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// Option configures a Provider.
type Option func(*Provider)

// WithName overrides the provider name used in logs and errors.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req aworld.ChatRequest) (aworld.ChatResponse, error) {
	body := buildBody(req, p.model)
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return aworld.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return aworld.ChatResponse{}, p.httpErr(resp)
	}

	var reply chatReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return aworld.ChatResponse{}, aworld.WrapError(aworld.ErrInternal, err, "%s: decode response", p.name)
	}
	return parseReply(reply), nil
}

// ChatStream streams text deltas into chunks, then returns the accumulated
// response. The channel is left open for the caller to close.
func (p *Provider) ChatStream(ctx context.Context, req aworld.ChatRequest, chunks chan<- string) (aworld.ChatResponse, error) {
	body := buildBody(req, p.model)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return aworld.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return aworld.ChatResponse{}, p.httpErr(resp)
	}
	return streamSSE(ctx, resp.Body, chunks)
}

// sendHTTP marshals the request body and sends it to the chat completions
// endpoint. Connection-level failures surface as ErrHTTP{Status: 0} so the
// retry middleware treats them as transient.
func (p *Provider) sendHTTP(ctx context.Context, body chatBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, aworld.WrapError(aworld.ErrInternal, err, "%s: marshal request", p.name)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, aworld.WrapError(aworld.ErrInternal, err, "%s: create request", p.name)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &aworld.ErrHTTP{Status: 0, Body: err.Error()}
	}
	return resp, nil
}

// httpErr reads the response body and returns an ErrHTTP for the retry
// middleware, parsing the Retry-After header when present.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &aworld.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: aworld.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ aworld.Provider = (*Provider)(nil)
