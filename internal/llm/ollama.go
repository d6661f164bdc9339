package llm

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/httpkit"
)

// Ollama generates with a local or remote Ollama server.
type Ollama struct {
	client *api.Client
	cfg    config.ModelConfig
}

// NewOllama creates an Ollama generator. An empty base URL falls back to
// OLLAMA_HOST and then the Ollama default.
func NewOllama(cfg config.ModelConfig) (*Ollama, error) {
	if cfg.BaseURL == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, err
		}
		return &Ollama{client: client, cfg: cfg}, nil
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	// Timeouts come from the request context.
	client := api.NewClient(u, httpkit.NewClient(httpkit.WithTimeout(0)))
	return &Ollama{client: client, cfg: cfg}, nil
}

func (o *Ollama) Provider() string { return "ollama" }

// Generate runs a non-streaming chat with prompt as the only message.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, o.cfg)
	defer cancel()

	stream := false
	req := &api.ChatRequest{
		Model:    o.cfg.Name,
		Messages: []api.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
	}

	var out strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.String(), nil
}

// Ping checks that the Ollama server answers.
func (o *Ollama) Ping(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}
