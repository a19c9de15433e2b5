package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Enabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.False(t, Config{Provider: ProviderNone}.Enabled())
	assert.True(t, Config{Provider: ProviderFastEmbed}.Enabled())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"none", Config{Provider: ProviderNone, Model: "anything"}, false},
		{"fastembed default model", Config{Provider: ProviderFastEmbed}, false},
		{"fastembed known model", Config{Provider: ProviderFastEmbed, Model: "BAAI/bge-base-en-v1.5"}, false},
		{"fastembed unknown model", Config{Provider: ProviderFastEmbed, Model: "unknown-model"}, true},
		{"negative max length", Config{Provider: ProviderFastEmbed, MaxLength: -1}, true},
		{"tei is not supported", Config{Provider: "tei"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{Provider: ProviderNone})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Nil(t, p)

	_, err = NewProvider(Config{Provider: "unknown"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestFastEmbedModelDimension(t *testing.T) {
	tests := []struct {
		model string
		want  int
		ok    bool
	}{
		{"BAAI/bge-small-en-v1.5", 384, true},
		{"fast-bge-small-en-v1.5", 384, true},
		{"BAAI/bge-base-en-v1.5", 768, true},
		{"sentence-transformers/all-MiniLM-L6-v2", 384, true},
		{"unknown-model", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			dim, ok := fastEmbedModelDimension(tt.model)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, dim)
		})
	}
}
