package mcphost

import (
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mawwalker/moss/internal/mcp"
)

func TestNewTransport(t *testing.T) {
	t.Parallel()

	stdio, err := newTransport(mcp.ServerConfig{
		Name:      "fs",
		Transport: mcp.TransportStdio,
		Command:   "/usr/bin/mcp-fs --root /tmp",
		Env:       map[string]string{"FS_MODE": "ro"},
	})
	if err != nil {
		t.Fatalf("stdio: %v", err)
	}
	ct, ok := stdio.(*mcpsdk.CommandTransport)
	if !ok {
		t.Fatalf("stdio transport is %T", stdio)
	}
	if got := ct.Command.Args; len(got) != 3 || got[2] != "/tmp" {
		t.Errorf("Args = %q", got)
	}
	if env := ct.Command.Env; len(env) == 0 || env[len(env)-1] != "FS_MODE=ro" {
		t.Errorf("Env does not end with FS_MODE=ro")
	}

	plain, err := newTransport(mcp.ServerConfig{Name: "ha", Transport: mcp.TransportStreamableHTTP, URL: "http://ha.lan/api/mcp"})
	if err != nil {
		t.Fatalf("http: %v", err)
	}
	if st := plain.(*mcpsdk.StreamableClientTransport); st.HTTPClient != nil {
		t.Error("HTTPClient set without headers")
	}

	authed, err := newTransport(mcp.ServerConfig{
		Name:      "ha",
		Transport: mcp.TransportStreamableHTTP,
		URL:       "http://ha.lan/api/mcp",
		Headers:   map[string]string{"Authorization": "Bearer t"},
	})
	if err != nil {
		t.Fatalf("http with headers: %v", err)
	}
	if st := authed.(*mcpsdk.StreamableClientTransport); st.HTTPClient == nil {
		t.Error("HTTPClient missing with headers")
	}

	if _, err := newTransport(mcp.ServerConfig{Name: "x", Transport: "sse"}); err == nil {
		t.Error("unknown transport accepted")
	}
}

func TestObjectSchema(t *testing.T) {
	t.Parallel()

	type schema struct {
		Type     string   `json:"type"`
		Required []string `json:"required"`
	}
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "object"},
		{"map", map[string]any{"type": "object", "x": 1}, "object"},
		{"struct", schema{Type: "object", Required: []string{"name"}}, "object"},
		{"not an object", []int{1, 2}, "object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := objectSchema(tt.in); got["type"] != tt.want {
				t.Errorf("objectSchema(%v) = %v", tt.in, got)
			}
		})
	}

	got := objectSchema(schema{Type: "object", Required: []string{"name"}})
	if req, _ := got["required"].([]any); len(req) != 1 || req[0] != "name" {
		t.Errorf("required = %v", got["required"])
	}
}
