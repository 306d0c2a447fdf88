package readweb

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	aworld "github.com/nevindra/aworld"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Test Article</title></head>
<body>
<article>
<h1>Test Article</h1>
<p>This is the main body of the article. It has enough text that the
readability extractor treats it as real content rather than chrome. The
quick brown fox jumps over the lazy dog, repeatedly and at length, to pad
this paragraph out to a believable size.</p>
<p>A second paragraph keeps the extractor happy and exercises multi-block
extraction for the fetch action.</p>
</article>
</body></html>`

func TestFetchExtractsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	res, err := New().Exec(context.Background(), "fetch", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "main body of the article") {
		t.Errorf("content = %q, want the article text", res.Content)
	}
	if strings.Contains(res.Content, "<p>") {
		t.Error("content should be text, not markup")
	}
	if res.Payload["status"] != http.StatusOK {
		t.Errorf("payload = %v", res.Payload)
	}
}

func TestFetchInvalidURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "ftp://example.com/file"} {
		_, err := New().Exec(context.Background(), "fetch", map[string]any{"url": raw})
		if !aworld.IsKind(err, aworld.ErrSchema) {
			t.Errorf("url %q: err = %v, want schema", raw, err)
		}
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New().Exec(context.Background(), "fetch", map[string]any{"url": srv.URL})
	var he *aworld.ErrHTTP
	if !errors.As(err, &he) || he.Status != http.StatusNotFound {
		t.Fatalf("err = %v, want an HTTP 404 error", err)
	}
}

func TestFetchUnknownAction(t *testing.T) {
	_, err := New().Exec(context.Background(), "post", map[string]any{"url": "http://example.com"})
	if !aworld.IsKind(err, aworld.ErrToolFailed) {
		t.Fatalf("err = %v, want tool_failed", err)
	}
}

func TestFetchRespectsMaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer srv.Close()

	res, err := New(WithMaxBytes(100)).Exec(context.Background(), "fetch", map[string]any{"url": srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Content) > 100 {
		t.Errorf("content length = %d, want the byte cap honored", len(res.Content))
	}
}
