package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"scalestack/internal/admin"
	"scalestack/internal/config"
)

// DefaultTimeout bounds every request to the admin server.
const DefaultTimeout = 30 * time.Second

// ErrNotConnected is returned by calls made before Connect.
var ErrNotConnected = errors.New("client not connected")

// ToolError is a failure reported by the tool itself.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tool, e.Message)
}

// Client is a minimal MCP client for the admin server.
type Client struct {
	endpoint string
	client   *client.Client
	timeout  time.Duration
}

// DetectEndpoint returns the admin endpoint of the configuration at path,
// or of the layered configuration when path is empty. The default admin
// address is used when the configuration cannot be loaded.
func DetectEndpoint(path string) string {
	cfg, err := config.Load(config.LoadOptions{Path: path})
	if err != nil {
		return admin.EndpointFor(config.DefaultAdminListen)
	}
	return admin.EndpointFor(cfg.Admin.Listen)
}

// NewClient creates a client for endpoint. Nothing is sent before Connect.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		timeout:  DefaultTimeout,
	}
}

// Endpoint returns the admin URL of the client.
func (c *Client) Endpoint() string { return c.endpoint }

// Connect opens the streamable HTTP transport and performs the MCP
// handshake.
func (c *Client) Connect(ctx context.Context) error {
	httpClient, err := client.NewStreamableHttpClient(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to create streamable-http client: %w", err)
	}
	if err := httpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start streamable-http client: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "scalestack-cli", Version: "1.0.0"}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := httpClient.Initialize(timeoutCtx, req); err != nil {
		_ = httpClient.Close()
		return fmt.Errorf("cannot reach the admin server at %s (is `scalestack serve` running?): %w", c.endpoint, err)
	}
	c.client = httpClient
	return nil
}

// CallTool executes a tool and returns the raw result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.client == nil {
		return nil, ErrNotConnected
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	result, err := c.client.CallTool(timeoutCtx, req)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}
	return result, nil
}

// CallToolText executes a tool and returns its text content. A tool error
// is returned as *ToolError.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	text := resultText(result)
	if result.IsError {
		return "", &ToolError{Tool: name, Message: text}
	}
	return text, nil
}

// CallToolJSON executes a tool and decodes its JSON answer into out.
func (c *Client) CallToolJSON(ctx context.Context, name string, args map[string]any, out any) error {
	text, err := c.CallToolText(ctx, name, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
