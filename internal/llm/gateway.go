package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/crewhub/internal/common/config"
	"github.com/kandev/crewhub/internal/common/logger"
)

// Provider is a single model backend. Implementations emit chunks in order
// and finish with exactly one Final chunk unless they return an error first.
type Provider interface {
	Name() string
	// NativeTools reports whether the provider accepts structured tool
	// schemas. Text-only providers receive an instruction block instead.
	NativeTools() bool
	Stream(ctx context.Context, req Request, emit EmitFunc) error
}

// Stats is a snapshot of gateway counters. TTFC is time to first chunk.
type Stats struct {
	Requests      int64   `json:"requests"`
	Errors        int64   `json:"errors"`
	AvgTTFCMillis float64 `json:"avg_ttfc_ms"`
}

// Gateway routes requests to the configured providers, resolving the default
// provider and model at call time so configuration changes take effect
// without reconstructing callers.
type Gateway struct {
	cfg       *config.Config
	logger    *logger.Logger
	providers map[string]Provider

	requests  atomic.Int64
	errs      atomic.Int64
	ttfcMu    sync.Mutex
	ttfcSum   time.Duration
	ttfcCount int64
}

// NewGateway builds a gateway with the standard provider set: Anthropic
// (native tools), OpenAI (native tools), and Ollama (text-only).
func NewGateway(cfg *config.Config, log *logger.Logger) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		logger:    log,
		providers: make(map[string]Provider),
	}
	g.Register(newAnthropicProvider(cfg.LLM.Anthropic, log))
	g.Register(newOpenAICompatProvider(ProviderOpenAI, cfg.LLM.OpenAI, true, log))
	g.Register(newOpenAICompatProvider(ProviderOllama, ollamaProviderConfig(cfg.LLM.Ollama), false, log))
	return g
}

// ollamaProviderConfig points the OpenAI-compatible client at Ollama's
// /v1 endpoint.
func ollamaProviderConfig(cfg config.ProviderConfig) config.ProviderConfig {
	cfg.Host = strings.TrimSuffix(cfg.Host, "/") + "/v1"
	return cfg
}

// Register adds or replaces a provider. Exposed for tests.
func (g *Gateway) Register(p Provider) {
	g.providers[p.Name()] = p
}

// SupportsNativeTools reports the tool capability of the named provider,
// resolving an empty name to the configured default.
func (g *Gateway) SupportsNativeTools(provider string) bool {
	p, ok := g.providers[g.resolveProviderName(provider)]
	return ok && p.NativeTools()
}

func (g *Gateway) resolveProviderName(name string) string {
	if name != "" {
		return name
	}
	return g.cfg.LLM.DefaultProvider
}

// resolve fills provider and model defaults from the live configuration.
func (g *Gateway) resolve(req Request) (Provider, Request, error) {
	name := g.resolveProviderName(req.Provider)
	p, ok := g.providers[name]
	if !ok {
		return nil, req, fmt.Errorf("llm: unknown provider %q", name)
	}
	req.Provider = name
	if req.Model == "" {
		switch name {
		case ProviderAnthropic:
			req.Model = g.cfg.LLM.Anthropic.Model
		case ProviderOpenAI:
			req.Model = g.cfg.LLM.OpenAI.Model
		case ProviderOllama:
			req.Model = g.cfg.LLM.Ollama.Model
		}
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return nil, req, fmt.Errorf("llm: temperature %v out of range [0, 2]", req.Temperature)
	}
	// Text-only providers get the XML tool convention in the system prompt
	// instead of structured schemas.
	if len(req.Tools) > 0 && !p.NativeTools() {
		block := ToolInstructionBlock(req.Tools)
		if req.System != "" {
			req.System = req.System + "\n\n" + block
		} else {
			req.System = block
		}
		req.Tools = nil
	}
	return p, req, nil
}

// Stream invokes the resolved provider and forwards chunks to emit. The
// request is bounded by the configured provider timeout; deadline expiry is
// reported as ErrTimeout.
func (g *Gateway) Stream(ctx context.Context, req Request, emit EmitFunc) error {
	p, resolved, err := g.resolve(req)
	if err != nil {
		return err
	}

	g.requests.Add(1)

	timeout := g.cfg.LLM.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	first := true
	wrapped := func(c Chunk) error {
		if first {
			first = false
			g.recordTTFC(time.Since(start))
		}
		return emit(c)
	}

	err = p.Stream(callCtx, resolved, wrapped)
	if err != nil {
		g.errs.Add(1)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: provider %s after %s", ErrTimeout, p.Name(), timeout)
		}
		return err
	}

	g.logger.Debug("LLM stream completed",
		zap.String("provider", resolved.Provider),
		zap.String("model", resolved.Model),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Generate drives Stream to exhaustion and returns the concatenated text plus
// the terminal chunk's tool calls.
func (g *Gateway) Generate(ctx context.Context, req Request) (string, []ToolCall, error) {
	var sb strings.Builder
	var calls []ToolCall
	err := g.Stream(ctx, req, func(c Chunk) error {
		sb.WriteString(c.Text)
		if c.Final {
			calls = c.ToolCalls
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return sb.String(), calls, nil
}

func (g *Gateway) recordTTFC(d time.Duration) {
	g.ttfcMu.Lock()
	g.ttfcSum += d
	g.ttfcCount++
	g.ttfcMu.Unlock()
}

// Stats returns a snapshot of the gateway counters.
func (g *Gateway) Stats() Stats {
	s := Stats{
		Requests: g.requests.Load(),
		Errors:   g.errs.Load(),
	}
	g.ttfcMu.Lock()
	if g.ttfcCount > 0 {
		s.AvgTTFCMillis = float64(g.ttfcSum.Milliseconds()) / float64(g.ttfcCount)
	}
	g.ttfcMu.Unlock()
	return s
}

// ToolInstructionBlock renders the XML tool-call convention for providers
// without native tool support. The runtime parses the resulting
// <tool_call> tags out of the accumulated response text.
func ToolInstructionBlock(tools []ToolSchema) string {
	var sb strings.Builder
	sb.WriteString("You can invoke tools by emitting XML blocks in your response, one per call:\n\n")
	sb.WriteString("<tool_call name=\"tool_name\"><arg_name>value</arg_name></tool_call>\n\n")
	sb.WriteString("Available tools:\n")
	for _, t := range tools {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		if args := schemaArgNames(t.Parameters); len(args) > 0 {
			sb.WriteString(" (args: ")
			sb.WriteString(strings.Join(args, ", "))
			sb.WriteString(")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nEmit each tool call exactly once. Do not describe calls you did not make.")
	return sb.String()
}

func schemaArgNames(schema map[string]any) []string {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
