// Package embeddings provides optional local embedding generation.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

const (
	// ProviderNone disables embedding generation.
	ProviderNone = "none"

	// ProviderFastEmbed runs a local ONNX model (requires cgo).
	ProviderFastEmbed = "fastembed"

	defaultModel = "BAAI/bge-small-en-v1.5"
)

// Provider generates embeddings for experiences and queries.
type Provider interface {
	// EmbedDocuments embeds stored experience text.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// Config selects and configures the embedding provider.
type Config struct {
	// Provider is "none" (default) or "fastembed".
	Provider string `koanf:"provider"`

	// Model is the embedding model name.
	Model string `koanf:"model"`

	// CacheDir is the model cache directory.
	CacheDir string `koanf:"cache_dir"`

	// MaxLength is the maximum input sequence length.
	MaxLength int `koanf:"max_length"`
}

// Enabled reports whether a provider is configured.
func (c Config) Enabled() bool {
	return c.Provider != "" && c.Provider != ProviderNone
}

// Validate checks the provider name and model.
func (c Config) Validate() error {
	switch c.Provider {
	case "", ProviderNone:
		return nil
	case ProviderFastEmbed:
		if c.Model != "" {
			if _, ok := fastEmbedModelDimension(c.Model); !ok {
				return fmt.Errorf("%w: unsupported model %q", ErrInvalidConfig, c.Model)
			}
		}
		if c.MaxLength < 0 {
			return fmt.Errorf("%w: max_length must be non-negative", ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
}

// NewProvider creates the configured provider. It fails for "none"; callers
// check Enabled first.
func NewProvider(cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case ProviderFastEmbed:
		model := cfg.Model
		if model == "" {
			model = defaultModel
		}
		return NewFastEmbedProvider(FastEmbedConfig{
			Model:     model,
			CacheDir:  cfg.CacheDir,
			MaxLength: cfg.MaxLength,
		})
	default:
		return nil, fmt.Errorf("%w: embeddings are disabled", ErrInvalidConfig)
	}
}
