package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Swastikphadke/Spectra/internal/config"
)

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), config.ModelConfig{Provider: "bard"}, nil); err == nil {
		t.Fatal("New should reject unknown provider")
	}
}

func TestNew_GeminiRequiresKey(t *testing.T) {
	_, err := New(context.Background(), config.ModelConfig{Provider: "gemini", Name: "gemini-2.5-flash"}, nil)
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("err = %v, want missing API key", err)
	}
}

func TestOllama_Generate(t *testing.T) {
	var gotModel, gotPrompt string
	var gotStream *bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Stream   *bool  `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel, gotStream = req.Model, req.Stream
		if len(req.Messages) == 1 {
			gotPrompt = req.Messages[0].Content
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"llama3.1","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"{\"final\":\"Irrigate tomorrow.\"}"},"done":true}`))
	}))
	defer srv.Close()

	g, err := New(context.Background(), config.ModelConfig{
		Provider: "ollama", Name: "llama3.1", BaseURL: srv.URL, Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Provider() != "ollama" {
		t.Errorf("Provider = %q", g.Provider())
	}

	out, err := g.Generate(context.Background(), "Should I irrigate?")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != `{"final":"Irrigate tomorrow."}` {
		t.Errorf("out = %q", out)
	}
	if gotModel != "llama3.1" || gotPrompt != "Should I irrigate?" {
		t.Errorf("request model=%q prompt=%q", gotModel, gotPrompt)
	}
	if gotStream == nil || *gotStream {
		t.Error("request should disable streaming")
	}
}

func TestOpenAI_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string `json:"model"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"` + req.Model + `",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Namaste"}}]}`))
	}))
	defer srv.Close()

	g := NewOpenAI(config.ModelConfig{Provider: "openai", Name: "gpt-4o-mini", APIKey: "k", BaseURL: srv.URL + "/v1/"})
	out, err := g.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Namaste" {
		t.Errorf("out = %q, want Namaste", out)
	}
}
