package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/Swastikphadke/Spectra/internal/config"
)

// Gemini generates with the Google Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    config.ModelConfig
}

// NewGemini creates a Gemini generator. An API key is required.
func NewGemini(ctx context.Context, cfg config.ModelConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing API key (set model.api_key or GOOGLE_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Provider() string { return "gemini" }

// Generate sends prompt as a single user turn and returns the response text.
func (g *Gemini) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := withTimeout(ctx, g.cfg)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Name, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}
