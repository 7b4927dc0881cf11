package provider

import (
	"context"
	"errors"
	"time"

	openai_provider "github.com/sina-abbasi/ragline/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
)

// Provider is the interface that all LLM implementations must satisfy
type Provider interface {
	// CreateEmbedding returns one vector per input text.
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
	// Complete runs a single system+user chat completion and returns the raw text.
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options configure a provider client.
type Options struct {
	APIKey          string
	CompletionModel string
	EmbeddingModel  string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
}

// NewProvider creates a new LLM client based on the provided configuration
func NewProvider(client Client, opts Options) (Provider, error) {
	switch client {
	case OpenAI:
		if opts.APIKey == "" {
			return nil, errors.New("openai api key not set")
		}
		if opts.CompletionModel == "" {
			opts.CompletionModel = "gpt-4o-mini"
		}
		if opts.EmbeddingModel == "" {
			opts.EmbeddingModel = "text-embedding-3-small"
		}
		if opts.Timeout <= 0 {
			opts.Timeout = 30 * time.Second
		}
		return openai_provider.NewOpenAIClient(
			opts.APIKey,
			opts.CompletionModel,
			opts.EmbeddingModel,
			opts.Temperature,
			opts.MaxTokens,
			opts.Timeout,
		), nil
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
