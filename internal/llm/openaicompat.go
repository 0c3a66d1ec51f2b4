package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
)

// openaiCompatProvider speaks the OpenAI chat completions protocol over raw
// HTTP with SSE streaming. It backs both the OpenAI provider and Ollama's
// /v1 compatibility endpoint; only the former advertises native tool calling.
type openaiCompatProvider struct {
	name        string
	apiKey      string
	baseURL     string
	nativeTools bool
	httpClient  *http.Client
	logger      *logger.Logger
}

func newOpenAICompatProvider(name string, cfg config.ProviderConfig, nativeTools bool, log *logger.Logger) *openaiCompatProvider {
	return &openaiCompatProvider{
		name:        name,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimSuffix(cfg.Host, "/"),
		nativeTools: nativeTools,
		// No client-level timeout: per-request deadlines come from the
		// gateway context, and streams may legitimately run long.
		httpClient: &http.Client{Timeout: 0},
		logger:     log,
	}
}

func (p *openaiCompatProvider) Name() string { return p.name }

func (p *openaiCompatProvider) NativeTools() bool { return p.nativeTools }

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// chatChunk is one SSE data frame of a streaming response.
type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta,omitempty"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
}

func (p *openaiCompatProvider) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	body := chatRequest{
		Model:     req.Model,
		Stream:    true,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}
	for _, tool := range req.Tools {
		params, err := json.Marshal(tool.Parameters)
		if err != nil {
			return fmt.Errorf("llm: tool %s schema: %w", tool.Name, err)
		}
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}

	resp, err := p.send(ctx, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	return p.readSSE(ctx, resp.Body, emit)
}

func (p *openaiCompatProvider) send(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Provider: p.name, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		msg := readErrorBody(resp.Body)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, msg)
		}
		return nil, &ProviderError{Provider: p.name, Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// readSSE consumes "data: {...}" frames until the [DONE] sentinel, emitting
// text deltas as they arrive and assembling tool calls from their fragments.
func (p *openaiCompatProvider) readSSE(ctx context.Context, body io.Reader, emit EmitFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	type partialToolCall struct {
		id   string
		name string
		args strings.Builder
	}
	var partials []partialToolCall

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed frames; providers occasionally emit comments
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			if err := emit(Chunk{Text: delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			for len(partials) <= tc.Index {
				partials = append(partials, partialToolCall{})
			}
			if tc.ID != "" {
				partials[tc.Index].id = tc.ID
			}
			if tc.Function.Name != "" {
				partials[tc.Index].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				partials[tc.Index].args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Provider: p.name, Message: err.Error()}
	}

	calls := make([]ToolCall, 0, len(partials))
	for _, pt := range partials {
		if pt.name == "" {
			continue
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(pt.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return &ProviderError{
					Provider: p.name,
					Message:  fmt.Sprintf("tool %s arguments: %v", pt.name, err),
				}
			}
		}
		calls = append(calls, ToolCall{ID: pt.id, Name: pt.name, Args: args})
	}

	return emit(Chunk{Final: true, ToolCalls: calls})
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "request failed"
	}
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Error.Message != "" {
		return wrapped.Error.Message
	}
	return strings.TrimSpace(string(raw))
}
