package thread

import (
	"fmt"

	"github.com/abelbrown/eventthread/internal/config"
	"github.com/abelbrown/eventthread/internal/embed"
)

// NewEmbedder constructs the model named by cfg.Provider. dims is the run's
// embedding dimension; 0 leaves the provider default.
func NewEmbedder(cfg config.EmbedderConfig, dims int) (embed.Embedder, error) {
	switch cfg.Provider {
	case "jina":
		return embed.NewJinaEmbedder(embed.JinaConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Endpoint:   cfg.Endpoint,
			Dimensions: dims,
		}), nil
	case "ollama":
		return embed.NewOllamaEmbedder(cfg.Endpoint, cfg.Model), nil
	case "hash":
		if dims == 0 {
			dims = cfg.Dimension
		}
		return embed.NewHashEmbedder(dims), nil
	default:
		return nil, fmt.Errorf("thread: unknown embedder provider %q", cfg.Provider)
	}
}
