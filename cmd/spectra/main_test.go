package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Swastikphadke/Spectra/internal/advisor"
	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/connwatch"
	"github.com/Swastikphadke/Spectra/internal/delivery"
	"github.com/Swastikphadke/Spectra/internal/metrics"
	"github.com/Swastikphadke/Spectra/internal/profile"
	"github.com/Swastikphadke/Spectra/internal/whatsapp"
)

// writeConfig writes a config that needs no network: the model points at
// a closed port and the weather tool is off. Returns the config path and
// the profile database path.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "data", "spectra.db")
	body := "log_level: error\n" +
		"model:\n  provider: ollama\n  base_url: http://127.0.0.1:1\n" +
		"weather:\n  disabled: true\n" +
		"store:\n  path: " + dbPath + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dbPath
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Spectra ") || !strings.Contains(out.String(), "go_version:") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without text", []string{"ask", "+919876543210"}, "usage: spectra ask"},
		{"missing config", []string{"-config", "/nonexistent/spectra.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "ask <phone> <text>") {
			t.Errorf("usage missing ask: %q", out.String())
		}
	}
}

func TestRun_AskUnregisteredFarmer(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	var stdout, stderr bytes.Buffer
	args := []string{"-config", cfgPath, "-o", "json", "ask", "+919876543210", "what", "should", "I", "spray?"}
	if err := run(context.Background(), &stdout, &stderr, args); err != nil {
		t.Fatalf("run ask: %v\nstderr: %s", err, stderr.String())
	}

	var got struct {
		Outcome  string           `json:"outcome"`
		Messages []consoleMessage `json:"messages"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("ask JSON: %v\n%s", err, stdout.String())
	}
	if got.Outcome != advisor.OutcomeRegisterPrompt {
		t.Errorf("outcome = %q, want %q", got.Outcome, advisor.OutcomeRegisterPrompt)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text != advisor.WelcomeText {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestRun_BriefForFarmer(t *testing.T) {
	cfgPath, dbPath := writeConfig(t)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatal(err)
	}
	store, err := profile.NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Save(context.Background(), &profile.Profile{Phone: "919876543210", Name: "Ravi", Crop: "cotton"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "brief", "919876543210"}); err != nil {
		t.Fatalf("run brief: %v\nstderr: %s", err, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != advisor.BriefNoLocationText {
		t.Errorf("brief = %q, want %q", got, advisor.BriefNoLocationText)
	}

	err = run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "brief", "910000000000"})
	if err == nil || !strings.Contains(err.Error(), "no farmer registered") {
		t.Errorf("brief for unknown farmer = %v", err)
	}
}

func TestConsoleSender(t *testing.T) {
	var out bytes.Buffer
	c := &consoleSender{w: &out}

	res := c.Send(context.Background(), delivery.KindText, "919876543210@s.whatsapp.net", delivery.Payload{Text: "Namaste"})
	if !res.OK {
		t.Errorf("text result = %+v", res)
	}
	c.Send(context.Background(), delivery.KindAudio, "919876543210@s.whatsapp.net", delivery.Payload{
		Data:     []byte("OggS"),
		Filename: "voice_1a2b3c4d.ogg",
	})

	if !strings.Contains(out.String(), "Namaste") || !strings.Contains(out.String(), "[audio voice_1a2b3c4d.ogg, 4 bytes]") {
		t.Errorf("console output = %q", out.String())
	}
	msgs := c.messages()
	if len(msgs) != 2 || msgs[1].Bytes != 4 || msgs[1].Text != "" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestHTTPServers_SharedAddress(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.WebhookListen = ":9100"
	cfg.Metrics.Listen = ":9100"

	a := &app{cfg: cfg, logger: newLogger(&bytes.Buffer{}, 0, "text")}
	router := whatsapp.NewRouter(whatsapp.RouterConfig{})
	servers := httpServers(a, metrics.New(), router, connwatch.NewManager(nil, nil))
	if len(servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(servers))
	}

	rec := httptest.NewRecorder()
	servers[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	servers[0].Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cfg.Bridge.WebhookPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("webhook GET status = %d, want 405", rec.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	watch := connwatch.NewManager(nil, nil)
	defer watch.Stop()

	rec := httptest.NewRecorder()
	healthHandler(watch)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with no services", rec.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if _, ok := body["services"]; !ok {
		t.Errorf("body = %v", body)
	}
}
