package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// gatewayClient identifies arbiter to MCP servers.
var gatewayClient = &mcp.Implementation{Name: "arbiter", Version: "v1"}

// Gateway is a connected MCP tool gateway. Each tool it lists becomes a Tool;
// names starting with RemediationPrefix end up in the remediation registry.
type Gateway struct {
	session *mcp.ClientSession
}

// ConnectGateway dials a streamable-HTTP MCP endpoint.
func ConnectGateway(ctx context.Context, endpoint string, timeout time.Duration) (*Gateway, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return NewGateway(ctx, &mcp.StreamableClientTransport{
		Endpoint:   endpoint,
		HTTPClient: &http.Client{Timeout: timeout},
	})
}

// NewGateway connects over an arbitrary MCP transport.
func NewGateway(ctx context.Context, transport mcp.Transport) (*Gateway, error) {
	client := mcp.NewClient(gatewayClient, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect tool gateway: %w", err)
	}
	return &Gateway{session: session}, nil
}

// Close ends the gateway session.
func (g *Gateway) Close() error {
	return g.session.Close()
}

// Tools lists every tool the gateway offers, following pagination.
func (g *Gateway) Tools(ctx context.Context) ([]Tool, error) {
	var (
		out    []Tool
		cursor string
	)
	for {
		res, err := g.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("list gateway tools: %w", err)
		}
		for _, t := range res.Tools {
			schema, err := json.Marshal(t.InputSchema)
			if err != nil || string(schema) == "null" {
				schema = json.RawMessage(`{"type":"object","properties":{}}`)
			}
			out = append(out, &gatewayTool{
				session:     g.session,
				name:        t.Name,
				description: t.Description,
				schema:      schema,
			})
		}
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
}

// RegisterAll adds every gateway tool to reg and returns how many were added.
func (g *Gateway) RegisterAll(ctx context.Context, reg *Registry) (int, error) {
	ts, err := g.Tools(ctx)
	if err != nil {
		return 0, err
	}
	for _, t := range ts {
		reg.Register(t)
	}
	return len(ts), nil
}

type gatewayTool struct {
	session     *mcp.ClientSession
	name        string
	description string
	schema      json.RawMessage
}

func (t *gatewayTool) Name() string                { return t.name }
func (t *gatewayTool) Description() string         { return t.description }
func (t *gatewayTool) Parameters() json.RawMessage { return t.schema }

func (t *gatewayTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("gateway call %s: %w", t.name, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}

	if res.StructuredContent != nil {
		return json.Marshal(res.StructuredContent)
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(map[string]string{"text": text})
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
