// Package llm adapts generative model providers to the single
// prompt-in, text-out call the reasoning loop needs.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Swastikphadke/Spectra/internal/config"
)

// Generator produces raw text for a prompt. Implementations bound each
// call by the configured timeout.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)

	// Provider names the backing service, e.g. "gemini".
	Provider() string
}

// Pinger is implemented by generators that can cheaply check that their
// service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New builds the Generator selected by cfg.Provider.
func New(ctx context.Context, cfg config.ModelConfig, logger *slog.Logger) (Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", cfg.Provider, "model", cfg.Name)

	var (
		g   Generator
		err error
	)
	switch cfg.Provider {
	case "gemini":
		g, err = NewGemini(ctx, cfg)
	case "ollama":
		g, err = NewOllama(cfg)
	case "openai":
		g = NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s client: %w", cfg.Provider, err)
	}

	logger.Info("model client initialized")
	return g, nil
}

func withTimeout(ctx context.Context, cfg config.ModelConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}
