package mcptool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	aworld "github.com/nevindra/aworld"
)

func newTestSandbox(t *testing.T) *aworld.SandboxManager {
	t.Helper()
	sm := aworld.NewSandboxManager()
	t.Cleanup(func() { sm.Close(context.Background()) })
	return sm
}

func TestConnectRequiresName(t *testing.T) {
	sm := newTestSandbox(t)
	_, err := Connect(context.Background(), sm, Config{Transport: TransportStdio, Command: "cat"})
	if !aworld.IsKind(err, aworld.ErrInvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestConnectUnsupportedTransport(t *testing.T) {
	sm := newTestSandbox(t)
	_, err := Connect(context.Background(), sm, Config{Name: "srv", Transport: "carrier-pigeon"})
	if !aworld.IsKind(err, aworld.ErrInvalidConfig) {
		t.Fatalf("err = %v, want invalid_config", err)
	}
}

func TestConnectBadCommand(t *testing.T) {
	sm := newTestSandbox(t)
	_, err := Connect(context.Background(), sm, Config{
		Name:    "ghost",
		Command: "/nonexistent/mcp-server-binary",
	})
	if err == nil {
		t.Fatal("connecting to a nonexistent binary should fail")
	}
}

func TestConnectSSEReadTimeoutBoundsHandshake(t *testing.T) {
	// The server accepts the SSE connection but never sends the endpoint
	// event, so the handshake can only end via the read timeout.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	sm := newTestSandbox(t)
	start := time.Now()
	_, err := Connect(context.Background(), sm, Config{
		Name:           "stalled",
		Transport:      TransportSSE,
		URL:            srv.URL,
		SSEReadTimeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("stalled SSE handshake should fail")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("handshake took %v, the read timeout should have cut it short", elapsed)
	}
}

func TestConvertSchema(t *testing.T) {
	schema := mcpgo.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{"type": "string", "description": "search text"},
			"limit": map[string]any{"type": "integer"},
			"deep":  map[string]any{"type": "boolean"},
		},
		Required: []string{"query"},
	}
	params := convertSchema(schema)
	if len(params) != 3 {
		t.Fatalf("got %d params, want 3", len(params))
	}
	q := params["query"]
	if q.Type != aworld.ParamString || !q.Required || q.Desc != "search text" {
		t.Errorf("query = %+v", q)
	}
	if params["limit"].Type != aworld.ParamInt || params["limit"].Required {
		t.Errorf("limit = %+v", params["limit"])
	}
	if params["deep"].Type != aworld.ParamBool {
		t.Errorf("deep = %+v", params["deep"])
	}
	if convertSchema(mcpgo.ToolInputSchema{Type: "object"}) != nil {
		t.Error("empty schema should convert to nil params")
	}
}
