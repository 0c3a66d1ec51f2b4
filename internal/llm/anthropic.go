package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
)

// anthropicProvider adapts the Anthropic Messages streaming API. It is a
// native tool-calling provider: tool schemas are passed through and tool-call
// structures are assembled from content block events.
type anthropicProvider struct {
	client sdk.Client
	logger *logger.Logger
}

func newAnthropicProvider(cfg config.ProviderConfig, log *logger.Logger) *anthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Host != "" && cfg.Host != "https://api.anthropic.com" {
		opts = append(opts, option.WithBaseURL(cfg.Host))
	}
	return &anthropicProvider{
		client: sdk.NewClient(opts...),
		logger: log,
	}
}

func (p *anthropicProvider) Name() string { return ProviderAnthropic }

func (p *anthropicProvider) NativeTools() bool { return true }

func (p *anthropicProvider) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Parameters}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	if err := stream.Err(); err != nil {
		return p.classify(err)
	}

	// Tool-use blocks stream their input as partial JSON fragments keyed by
	// content index; they are assembled on block stop.
	toolBlocks := make(map[int]*anthropicToolBuffer)
	var calls []ToolCall

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				if tu.ID == "" || tu.Name == "" {
					return &ProviderError{Provider: ProviderAnthropic, Message: "tool use block missing id or name"}
				}
				toolBlocks[int(ev.Index)] = &anthropicToolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := emit(Chunk{Text: delta.Text}); err != nil {
					return err
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			if tb := toolBlocks[int(ev.Index)]; tb != nil {
				delete(toolBlocks, int(ev.Index))
				args, err := tb.decodeArgs()
				if err != nil {
					return &ProviderError{
						Provider: ProviderAnthropic,
						Message:  fmt.Sprintf("tool %s input: %v", tb.name, err),
					}
				}
				calls = append(calls, ToolCall{ID: tb.id, Name: tb.name, Args: args})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return p.classify(err)
	}

	return emit(Chunk{Final: true, ToolCalls: calls})
}

func (p *anthropicProvider) classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return &ProviderError{Provider: ProviderAnthropic, Status: apierr.StatusCode, Message: apierr.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProviderError{Provider: ProviderAnthropic, Message: err.Error()}
}

type anthropicToolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *anthropicToolBuffer) decodeArgs() (map[string]any, error) {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(joined), &args); err != nil {
		return nil, err
	}
	return args, nil
}
