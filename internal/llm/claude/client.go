// Package claude implements agent.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/arbiter/internal/agent"
	"github.com/linnemanlabs/arbiter/internal/tools"
)

// Client implements agent.Provider for Claude.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude client for model. Extra options are passed to the SDK
// (base URL, HTTP client, retries).
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(all...),
		model:  model,
	}
}

// Send implements agent.Provider.
func (c *Client) Send(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toSDKTools(req.Tools)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude messages.new: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKMessages(msgs []agent.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case agent.BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case agent.BlockToolUse:
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case agent.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

// inputSchema is the subset of a JSON Schema object the SDK tool param carries.
type inputSchema struct {
	Properties any      `json:"properties"`
	Required   []string `json:"required"`
}

func toSDKTools(defs []tools.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema inputSchema
		if len(d.InputSchema) > 0 {
			// a malformed schema still registers the tool, with no declared parameters
			_ = json.Unmarshal(d.InputSchema, &schema)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *agent.Response {
	resp := &agent.Response{
		Model:      string(msg.Model),
		StopReason: agent.StopReason(msg.StopReason),
		Usage: agent.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, b := range msg.Content {
		switch b.Type {
		case agent.BlockText:
			resp.Content = append(resp.Content, agent.ContentBlock{Type: agent.BlockText, Text: b.Text})
		case agent.BlockToolUse:
			resp.Content = append(resp.Content, agent.ContentBlock{
				Type:  agent.BlockToolUse,
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
	return resp
}
