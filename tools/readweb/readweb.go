// Package readweb provides a web page reading tool: fetch a URL and extract
// its readable text content.
package readweb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	aworld "github.com/nevindra/aworld"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 4 << 20 // 4 MB response cap
	maxContentRunes = 100_000
)

// Tool fetches URLs and extracts readable content. The fetch action is
// idempotent and parallel safe.
type Tool struct {
	client   *http.Client
	maxBytes int64
}

// Option configures the tool.
type Option func(*Tool)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) {
		if c != nil {
			t.client = c
		}
	}
}

// WithMaxBytes caps the response body size.
func WithMaxBytes(n int64) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxBytes = n
		}
	}
}

// New creates the web reading tool.
func New(opts ...Option) *Tool {
	t := &Tool{
		client:   &http.Client{Timeout: defaultTimeout},
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Decl() aworld.ToolDecl {
	return aworld.ToolDecl{
		Name: "readweb",
		Desc: "Fetch a web page and extract its readable text.",
		Kind: aworld.KindInproc,
		Actions: []aworld.ActionDecl{{
			Name: "fetch",
			Desc: "Fetch the page at url and return its main text content.",
			Params: map[string]aworld.ParamDecl{
				"url": {Type: aworld.ParamString, Desc: "absolute http(s) URL", Required: true},
			},
			Idempotent:   true,
			ParallelSafe: true,
		}},
	}
}

func (t *Tool) Exec(ctx context.Context, action string, params map[string]any) (aworld.ActionResult, error) {
	if action != "fetch" {
		return aworld.ActionResult{}, aworld.NewError(aworld.ErrToolFailed, "unknown action %q", action)
	}
	rawURL, _ := params["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return aworld.ActionResult{}, aworld.NewError(aworld.ErrSchema, "invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "build request")
	}
	req.Header.Set("User-Agent", "aworld/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return aworld.ActionResult{}, &aworld.ErrHTTP{
			Status: resp.StatusCode,
			Body:   fmt.Sprintf("fetch %s", rawURL),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes))
	if err != nil {
		return aworld.ActionResult{}, aworld.WrapError(aworld.ErrToolFailed, err, "read %s", rawURL)
	}

	content := extract(string(body), parsed)
	if len([]rune(content)) > maxContentRunes {
		content = string([]rune(content)[:maxContentRunes])
	}
	return aworld.ActionResult{
		Content: content,
		Payload: map[string]any{"url": rawURL, "status": resp.StatusCode},
	}, nil
}

// extract runs readability extraction, falling back to the raw body when the
// page has no extractable article.
func extract(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return strings.TrimSpace(html)
}

var _ aworld.Tool = (*Tool)(nil)
