package mcphost

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mawwalker/moss/internal/mcp"
)

// newTransport builds the SDK transport for cfg. A stdio subprocess is not
// bound to any context: it lives until its session is closed.
func newTransport(cfg mcp.ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case mcp.TransportStdio:
		exe, args := splitCommand(cfg.Command)
		if exe == "" {
			return nil, fmt.Errorf("stdio server %q has no command", cfg.Name)
		}
		cmd := exec.Command(exe, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http server %q has no url", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if len(cfg.Headers) > 0 {
			t.HTTPClient = &http.Client{Transport: &headerTransport{headers: cfg.Headers, base: http.DefaultTransport}}
		}
		return t, nil
	}
	return nil, fmt.Errorf("server %q: unknown transport %q", cfg.Name, cfg.Transport)
}

// splitCommand splits "exe arg1 arg2" on whitespace.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// headerTransport sets fixed headers, such as a Home Assistant bearer token,
// on every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
