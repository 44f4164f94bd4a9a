package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropicProvider(apiKey, model, baseURL string, timeout time.Duration) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(newHTTPClient(timeout)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &anthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}, nil
}

// Chat never raises on a remote failure (spec §4.3): any error building
// or issuing the request comes back as a FinishError response instead.
func (p *anthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msg, err := p.chatOnce(ctx, req)
	if err != nil {
		return ErrorResponse("anthropic", string(p.model), err), nil
	}
	return msg, nil
}

func (p *anthropicProvider) chatOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, body)
	if err != nil {
		return nil, err
	}
	return anthropicToResponse(msg), nil
}

func (p *anthropicProvider) Stream(ctx context.Context, req ChatRequest, fn func(delta string)) (*ChatResponse, error) {
	resp, err := p.streamOnce(ctx, req, fn)
	if err != nil {
		return ErrorResponse("anthropic", string(p.model), err), nil
	}
	return resp, nil
}

func (p *anthropicProvider) streamOnce(ctx context.Context, req ChatRequest, fn func(delta string)) (*ChatResponse, error) {
	body, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, body)
	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate anthropic stream event: %w", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" && fn != nil {
				fn(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}
	return anthropicToResponse(&acc), nil
}

// CheckHealth issues a minimal one-token completion to confirm the API key
// and endpoint are reachable, measuring round-trip latency.
func (p *anthropicProvider) CheckHealth(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	_, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthStatus{Available: false, LatencyMS: latency, Error: err.Error()}, nil
	}
	return HealthStatus{Available: true, LatencyMS: latency, AvailableModels: []string{string(p.model)}}, nil
}

// ListModels returns the single model this adapter instance is configured
// for. Anthropic's catalog endpoint isn't a stable public contract across
// deployments, so no catalog is discovered at runtime. The registry builds
// one adapter per provider entry, from that entry's first configured model.
func (p *anthropicProvider) ListModels(ctx context.Context) ([]CatalogModel, error) {
	return []CatalogModel{{ID: string(p.model), OwnedBy: "anthropic"}}, nil
}

func (p *anthropicProvider) buildRequest(req ChatRequest) (anthropic.MessageNewParams, error) {
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	body := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(normalizeMaxTokens(req.MaxTokens)),
		Messages:  msgs,
	}
	if req.SystemPrompt != "" {
		body.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		body.Tools = toAnthropicTools(req.Tools)
	}
	return body, nil
}

func anthropicToResponse(msg *anthropic.Message) *ChatResponse {
	var contentParts []string
	var calls []ToolCall
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if v.Text != "" {
				contentParts = append(contentParts, v.Text)
			}
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCall{ID: v.ID, Name: v.Name, Arguments: string(v.Input)})
		}
	}

	usage := TokenUsage{InputTokens: int(msg.Usage.InputTokens), OutputTokens: int(msg.Usage.OutputTokens)}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	return &ChatResponse{Content: strings.Join(contentParts, "\n"), ToolCalls: calls, Usage: usage}
}

func toAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := map[string]any{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return nil, fmt.Errorf("parse assistant tool call args for %q: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			if msg.ToolCallID == "" {
				return nil, fmt.Errorf("tool message requires tool_call_id")
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: toAnthropicInputSchema(tool.Parameters),
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

func toAnthropicInputSchema(schema map[string]any) anthropic.ToolInputSchemaParam {
	if len(schema) == 0 {
		return anthropic.ToolInputSchemaParam{}
	}

	var required []string
	if rawRequired, ok := schema["required"]; ok {
		switch v := rawRequired.(type) {
		case []string:
			required = v
		case []any:
			required = make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					required = append(required, s)
				}
			}
		}
	}

	inputSchema := anthropic.ToolInputSchemaParam{Required: required}
	if props, ok := schema["properties"]; ok {
		inputSchema.Properties = props
	}

	extras := make(map[string]any)
	for k, v := range schema {
		if k == "properties" || k == "required" || k == "type" {
			continue
		}
		extras[k] = v
	}
	if len(extras) > 0 {
		inputSchema.ExtraFields = extras
	}
	return inputSchema
}
