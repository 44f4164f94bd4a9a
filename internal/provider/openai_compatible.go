package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultOpenAICompatibleURL = "https://openrouter.ai/api/v1/chat/completions"

// openAICompatibleProvider talks to any backend implementing the
// OpenAI chat-completions wire format (OpenRouter, vLLM, LM Studio, etc).
// Grounded on the teacher's openrouter.go adapter, generalized to a
// configurable base URL and given SSE streaming.
type openAICompatibleProvider struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

func newOpenAICompatibleProvider(apiKey, model, baseURL string, timeout time.Duration) (Provider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai-compatible api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openai-compatible model is required")
	}
	endpoint := strings.TrimSpace(baseURL)
	if endpoint == "" {
		endpoint = defaultOpenAICompatibleURL
	}
	return &openAICompatibleProvider{
		apiKey:     apiKey,
		model:      model,
		endpoint:   endpoint,
		httpClient: newHTTPClient(timeout),
	}, nil
}

type oaMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall   `json:"tool_calls,omitempty"`
}

type oaTool struct {
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Arguments   string         `json:"arguments,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id,omitempty"`
	Type     string     `json:"type,omitempty"`
	Function oaFunction `json:"function"`
}

type oaRequest struct {
	Model     string      `json:"model"`
	Messages  []oaMessage `json:"messages"`
	Tools     []oaTool    `json:"tools,omitempty"`
	MaxTokens int         `json:"max_tokens,omitempty"`
	Stream    bool        `json:"stream,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message oaMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// oaStreamChunk is one "data: {...}" frame of an SSE chat-completion stream.
type oaStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *openAICompatibleProvider) buildPayload(req ChatRequest, stream bool) oaRequest {
	payload := oaRequest{
		Model:     p.model,
		Messages:  toOAMessages(req.Messages),
		MaxTokens: normalizeMaxTokens(req.MaxTokens),
		Stream:    stream,
	}
	if req.SystemPrompt != "" {
		payload.Messages = append([]oaMessage{{Role: "system", Content: req.SystemPrompt}}, payload.Messages...)
	}
	if len(req.Tools) > 0 {
		payload.Tools = make([]oaTool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			payload.Tools = append(payload.Tools, oaTool{
				Type:     "function",
				Function: oaFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.Parameters},
			})
		}
	}
	return payload
}

func (p *openAICompatibleProvider) newRequest(ctx context.Context, payload oaRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	return httpReq, nil
}

// Chat never raises on a remote failure (spec §4.3): any transport,
// status, or decode error comes back as a FinishError response instead.
func (p *openAICompatibleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := p.chatOnce(ctx, req)
	if err != nil {
		return ErrorResponse("openai_compatible", p.model, err), nil
	}
	return resp, nil
}

func (p *openAICompatibleProvider) chatOnce(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	httpReq, err := p.newRequest(ctx, p.buildPayload(req, false))
	if err != nil {
		return nil, err
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned %s: %s", httpResp.Status, strings.TrimSpace(string(respBody)))
	}

	var parsed oaResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}

	msg := parsed.Choices[0].Message
	toolCalls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	finish := FinishStop
	if len(toolCalls) > 0 {
		finish = FinishToolCalls
	}
	return &ChatResponse{
		Provider:     "openai_compatible",
		Model:        p.model,
		Content:      msg.Content,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage: TokenUsage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// Stream issues the request with stream=true and parses the
// "data: {...}\n\n" SSE framing common to OpenAI-compatible backends,
// terminated by a literal "data: [DONE]" frame.
func (p *openAICompatibleProvider) Stream(ctx context.Context, req ChatRequest, fn func(delta string)) (*ChatResponse, error) {
	resp, err := p.streamOnce(ctx, req, fn)
	if err != nil {
		return ErrorResponse("openai_compatible", p.model, err), nil
	}
	return resp, nil
}

func (p *openAICompatibleProvider) streamOnce(ctx context.Context, req ChatRequest, fn func(delta string)) (*ChatResponse, error) {
	httpReq, err := p.newRequest(ctx, p.buildPayload(req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("provider returned %s: %s", httpResp.Status, strings.TrimSpace(string(body)))
	}

	var content strings.Builder
	toolCallsByIndex := map[int]*ToolCall{}
	var usage TokenUsage

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk oaStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // non-JSON keepalive frame
		}
		if chunk.Usage != nil {
			usage = TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if fn != nil {
					fn(choice.Delta.Content)
				}
			}
			for i, tc := range choice.Delta.ToolCalls {
				existing, ok := toolCallsByIndex[i]
				if !ok {
					existing = &ToolCall{}
					toolCallsByIndex[i] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	calls := make([]ToolCall, 0, len(toolCallsByIndex))
	for i := 0; i < len(toolCallsByIndex); i++ {
		if tc, ok := toolCallsByIndex[i]; ok {
			calls = append(calls, *tc)
		}
	}

	finish := FinishStop
	if len(calls) > 0 {
		finish = FinishToolCalls
	}
	return &ChatResponse{
		Provider: "openai_compatible", Model: p.model,
		Content: content.String(), ToolCalls: calls, Usage: usage, FinishReason: finish,
	}, nil
}

// modelsURL derives the catalog endpoint from the configured chat-
// completions URL, per spec §6 ("GET {base}/v1/models").
func (p *openAICompatibleProvider) modelsURL() string {
	if strings.HasSuffix(p.endpoint, "/chat/completions") {
		return strings.TrimSuffix(p.endpoint, "/chat/completions") + "/models"
	}
	return strings.TrimRight(p.endpoint, "/") + "/models"
}

// CheckHealth calls the catalog endpoint: any OpenAI-compatible backend
// must serve it, so it doubles as a cheap, side-effect-free liveness probe.
func (p *openAICompatibleProvider) CheckHealth(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	models, err := p.listModels(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return HealthStatus{Available: false, LatencyMS: latency, Error: err.Error()}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	return HealthStatus{Available: true, LatencyMS: latency, AvailableModels: ids}, nil
}

func (p *openAICompatibleProvider) ListModels(ctx context.Context) ([]CatalogModel, error) {
	return p.listModels(ctx)
}

func (p *openAICompatibleProvider) listModels(ctx context.Context) ([]CatalogModel, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("models endpoint returned %s: %s", httpResp.Status, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Data []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode models response: %w", err)
	}

	out := make([]CatalogModel, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		out = append(out, CatalogModel{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func toOAMessages(messages []ChatMessage) []oaMessage {
	out := make([]oaMessage, 0, len(messages))
	for _, msg := range messages {
		m := oaMessage{Role: string(msg.Role), Content: msg.Content}
		if msg.Role == RoleTool {
			m.ToolCallID = msg.ToolCallID
		}
		if len(msg.ToolCalls) > 0 {
			m.ToolCalls = make([]oaToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, oaToolCall{
					ID: tc.ID, Type: "function",
					Function: oaFunction{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
		}
		out = append(out, m)
	}
	return out
}
