package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linnemanlabs/arbiter/internal/tools"
)

const tracerName = "github.com/linnemanlabs/arbiter/internal/agent"

// Defaults for Budget fields left at zero.
const (
	DefaultMaxToolRounds  = 15
	DefaultMaxTokens      = 50000
	DefaultResponseTokens = 4096
)

// finalAnswerPrompt is sent once, without tools, when the budget runs out so
// the model still produces its structured result.
const finalAnswerPrompt = "Tool budget exhausted. Do not call any more tools. Respond now with the final JSON result."

// Budget bounds one agent conversation.
type Budget struct {
	MaxToolRounds  int
	MaxTokens      int
	ResponseTokens int
}

func (b Budget) withDefaults() Budget {
	if b.MaxToolRounds <= 0 {
		b.MaxToolRounds = DefaultMaxToolRounds
	}
	if b.MaxTokens <= 0 {
		b.MaxTokens = DefaultMaxTokens
	}
	if b.ResponseTokens <= 0 {
		b.ResponseTokens = DefaultResponseTokens
	}
	return b
}

// Hooks holds optional callbacks invoked during a conversation.
// All fields are nil-safe; unset hooks are skipped.
type Hooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, isError bool)
}

// ToolCall records one tool execution within a conversation.
type ToolCall struct {
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

// Transcript is the result of one conversation.
type Transcript struct {
	// Text is the final assistant text, expected to hold the JSON record.
	Text      string
	Model     string
	ToolCalls []ToolCall
	Tokens    int
	LLMCalls  int
	Exhausted bool
}

// Runner drives a tool-use conversation with a provider until the model ends
// its turn or the budget runs out.
type Runner struct {
	provider Provider
	logger   log.Logger
	budget   Budget
	hooks    Hooks
}

// NewRunner creates a Runner. Zero budget fields use the defaults.
func NewRunner(p Provider, logger log.Logger, b Budget, h Hooks) *Runner {
	return &Runner{
		provider: p,
		logger:   logger,
		budget:   b.withDefaults(),
		hooks:    h,
	}
}

// Run sends prompt under system and executes the model's tool calls against
// reg until an end turn. A nil or empty registry offers no tools. Provider
// errors are returned; tool errors are reported back to the model.
func (r *Runner) Run(ctx context.Context, system, prompt string, reg *tools.Registry) (*Transcript, error) {
	L := r.logger
	messages := []Message{
		{Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: prompt}}},
	}
	defs := reg.ToToolDefs()
	tr := &Transcript{}

	for {
		offered, final := defs, false
		if len(tr.ToolCalls) >= r.budget.MaxToolRounds || tr.Tokens >= r.budget.MaxTokens {
			L.Warn(ctx, "agent budget exhausted",
				"tool_calls", len(tr.ToolCalls),
				"tokens", tr.Tokens,
			)
			tr.Exhausted = true
			offered, final = nil, true
			messages = appendUserText(messages, finalAnswerPrompt)
		}

		resp, err := r.send(ctx, &Request{
			MaxTokens: r.budget.ResponseTokens,
			System:    system,
			Messages:  messages,
			Tools:     offered,
		})
		if err != nil {
			return tr, err
		}

		tr.LLMCalls++
		tr.Tokens += resp.Usage.InputTokens + resp.Usage.OutputTokens
		if resp.Model != "" {
			tr.Model = resp.Model
		}
		if t := resp.text(); t != "" {
			tr.Text = t
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content})

		if resp.StopReason != StopToolUse || final {
			return tr, nil
		}

		results := r.executeTools(ctx, L, reg, resp.Content, tr)
		if len(results) == 0 {
			return tr, nil
		}
		messages = append(messages, Message{Role: RoleUser, Content: results})
	}
}

func (r *Runner) send(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.call")
	defer span.End()

	start := time.Now()
	resp, err := r.provider.Send(ctx, req)
	dur := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("llm call: %w", err)
	}

	span.SetAttributes(
		attribute.String("gen_ai.response.model", resp.Model),
		attribute.String("gen_ai.response.finish_reason", string(resp.StopReason)),
		attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if r.hooks.OnLLMCall != nil {
		r.hooks.OnLLMCall(resp.Usage.InputTokens, resp.Usage.OutputTokens, dur)
	}
	return resp, nil
}

func (r *Runner) executeTools(ctx context.Context, L log.Logger, reg *tools.Registry, content []ContentBlock, tr *Transcript) []ContentBlock {
	var results []ContentBlock
	for _, block := range content {
		if block.Type != BlockToolUse {
			continue
		}

		call := ToolCall{Name: block.Name, Input: block.Input}
		out, err := r.executeTool(ctx, reg, block)
		if err != nil {
			L.Warn(ctx, "tool execution failed", "tool", block.Name, "error", err)
			call.IsError = true
			results = append(results, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: block.ID,
				Content:   fmt.Sprintf("tool error: %v", err),
				IsError:   true,
			})
		} else {
			call.Output = out
			results = append(results, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: block.ID,
				Content:   string(out),
			})
		}
		tr.ToolCalls = append(tr.ToolCalls, call)
	}
	return results
}

func (r *Runner) executeTool(ctx context.Context, reg *tools.Registry, block ContentBlock) (json.RawMessage, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", block.Name))

	start := time.Now()
	var (
		out json.RawMessage
		err error
	)
	if tool, ok := reg.Get(block.Name); ok {
		out, err = tool.Execute(ctx, block.Input)
	} else {
		err = fmt.Errorf("unknown tool: %s", block.Name)
	}

	if r.hooks.OnToolCall != nil {
		r.hooks.OnToolCall(block.Name, time.Since(start).Seconds(), err != nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

// appendUserText adds text to the trailing user turn, or starts a new one, so
// roles keep alternating.
func appendUserText(messages []Message, text string) []Message {
	block := ContentBlock{Type: BlockText, Text: text}
	if n := len(messages); n > 0 && messages[n-1].Role == RoleUser {
		last := &messages[n-1]
		last.Content = append(last.Content, block)
		return messages
	}
	return append(messages, Message{Role: RoleUser, Content: []ContentBlock{block}})
}
