package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kandev/crewhub/internal/common/config"
)

// Embedder converts text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NewEmbedder builds the configured embedding client.
func NewEmbedder(memCfg config.MemoryConfig, llmCfg config.LLMConfig) (Embedder, error) {
	switch memCfg.EmbeddingProvider {
	case "openai":
		return &openaiEmbedder{
			apiKey: llmCfg.OpenAI.APIKey,
			host:   strings.TrimSuffix(llmCfg.OpenAI.Host, "/"),
			model:  memCfg.EmbeddingModel,
			dims:   memCfg.EmbeddingDimensions,
			client: &http.Client{Timeout: 30 * time.Second},
		}, nil
	case "ollama":
		return &ollamaEmbedder{
			host:   strings.TrimSuffix(llmCfg.Ollama.Host, "/"),
			model:  memCfg.EmbeddingModel,
			dims:   memCfg.EmbeddingDimensions,
			client: &http.Client{Timeout: 30 * time.Second},
		}, nil
	default:
		return nil, fmt.Errorf("memory: unknown embedding provider %q", memCfg.EmbeddingProvider)
	}
}

// openaiEmbedder calls the OpenAI embeddings endpoint.
type openaiEmbedder struct {
	apiKey string
	host   string
	model  string
	dims   int
	client *http.Client
}

func (e *openaiEmbedder) Dimensions() int { return e.dims }

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: openai embeddings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("memory: openai embeddings status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("memory: decode embeddings: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("memory: openai embeddings returned no data")
	}
	return e.checkDims(out.Data[0].Embedding)
}

func (e *openaiEmbedder) checkDims(v []float32) ([]float32, error) {
	if e.dims > 0 && len(v) != e.dims {
		return nil, fmt.Errorf("memory: embedding dimension %d does not match configured %d", len(v), e.dims)
	}
	return v, nil
}

// ollamaEmbedder calls Ollama's native embeddings endpoint.
type ollamaEmbedder struct {
	host   string
	model  string
	dims   int
	client *http.Client
}

func (e *ollamaEmbedder) Dimensions() int { return e.dims }

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model":  e.model,
		"prompt": text,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.host+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memory: ollama embeddings: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("memory: ollama embeddings status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("memory: decode embeddings: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("memory: ollama embeddings returned empty vector")
	}
	if e.dims > 0 && len(out.Embedding) != e.dims {
		return nil, fmt.Errorf("memory: embedding dimension %d does not match configured %d", len(out.Embedding), e.dims)
	}
	return out.Embedding, nil
}
