// Package config handles Spectra configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "spectra", "config.yaml"))
	}
	return append(paths, "/etc/spectra/config.yaml")
}

// FindConfig locates the config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config is the top-level configuration document.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Identity    IdentityConfig     `yaml:"identity"`
	Bridge      BridgeConfig       `yaml:"bridge"`
	Delivery    DeliveryConfig     `yaml:"delivery"`
	ToolServers []ToolServerConfig `yaml:"tool_servers"`
	Model       ModelConfig        `yaml:"model"`
	Agent       AgentConfig        `yaml:"agent"`
	Advisor     AdvisorConfig      `yaml:"advisor"`
	Weather     WeatherConfig      `yaml:"weather"`
	Store       StoreConfig        `yaml:"store"`
	Brief       BriefConfig        `yaml:"brief"`
	Voice       VoiceConfig        `yaml:"voice"`
	MQTT        MQTTConfig         `yaml:"mqtt"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

// IdentityConfig tunes the chat address heuristics. The thresholds are
// unconfirmed against the full space of real identifiers, so they are
// configuration rather than constants.
type IdentityConfig struct {
	LongIDThreshold int      `yaml:"long_id_threshold"`
	GroupSuffix     string   `yaml:"group_suffix"`
	LongIDSuffix    string   `yaml:"long_id_suffix"`
	StandardSuffix  string   `yaml:"standard_suffix"`
	StripPrefixes   []string `yaml:"strip_prefixes"`
}

// BridgeConfig describes the messaging bridge subprocess whose stdout
// carries inbound messages.
type BridgeConfig struct {
	Command            string        `yaml:"command"`
	Args               []string      `yaml:"args"`
	Dir                string        `yaml:"dir"`
	Env                []string      `yaml:"env"`
	EventBuffer        int           `yaml:"event_buffer"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	HandleTimeout      time.Duration `yaml:"handle_timeout"`

	// WebhookListen, when set, also accepts inbound messages as JSON
	// POSTs ({from, sender_jid, content, type}) on WebhookPath.
	WebhookListen string `yaml:"webhook_listen"`
	WebhookPath   string `yaml:"webhook_path"`

	// SocketURL, when set, also reads inbound messages from a bridge
	// websocket (ws:// or wss://) carrying the webhook JSON shape.
	SocketURL     string            `yaml:"socket_url"`
	SocketHeaders map[string]string `yaml:"socket_headers"`
}

// DeliveryConfig holds the outbound bridge endpoints. Endpoint lists are
// ordered; image and audio use the first two entries as primary and
// secondary.
type DeliveryConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TextEndpoints  []string      `yaml:"text_endpoints"`
	ImageEndpoints []string      `yaml:"image_endpoints"`
	AudioEndpoints []string      `yaml:"audio_endpoints"`
	TextTimeout    time.Duration `yaml:"text_timeout"`
	MediaTimeout   time.Duration `yaml:"media_timeout"`
	QueueSize      int           `yaml:"queue_size"`
}

// ToolServerConfig is the launch descriptor for one tool server. Either
// Command (stdio subprocess) or URL (streamable HTTP) must be set.
type ToolServerConfig struct {
	Name         string            `yaml:"name"`
	Transport    string            `yaml:"transport"` // stdio or http
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          []string          `yaml:"env"`
	Dir          string            `yaml:"dir"`
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	InitTimeout  time.Duration     `yaml:"init_timeout"`
	CallTimeout  time.Duration     `yaml:"call_timeout"`
	AutoStart    bool              `yaml:"auto_start"`
	IncludeTools []string          `yaml:"include_tools"`
	ExcludeTools []string          `yaml:"exclude_tools"`
}

// ModelConfig selects the generative reasoning service.
type ModelConfig struct {
	Provider string        `yaml:"provider"` // gemini, ollama, openai
	Name     string        `yaml:"name"`
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AgentConfig controls the reasoning loop.
type AgentConfig struct {
	MaxSteps int    `yaml:"max_steps"`
	Persona  string `yaml:"persona"`
}

// AdvisorConfig names the registry tools used by the deterministic
// crop-health flow and the periodic brief.
type AdvisorConfig struct {
	RegisterURL    string   `yaml:"register_url"`
	WeatherTool    string   `yaml:"weather_tool"`
	NDVITool       string   `yaml:"ndvi_tool"`
	HealthKeywords []string `yaml:"health_keywords"`

	// DeliveryWait caps how long an inbound message waits for its text
	// reply to be delivered. Zero waits as long as the message context.
	DeliveryWait time.Duration `yaml:"delivery_wait"`
}

// WeatherConfig configures the built-in NASA POWER weather tool. The
// tool is registered unless Disabled is set.
type WeatherConfig struct {
	Disabled bool          `yaml:"disabled"`
	BaseURL  string        `yaml:"base_url"`
	Days     int           `yaml:"days"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StoreConfig locates the profile database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// BriefConfig schedules the periodic brief.
type BriefConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Timezone string        `yaml:"timezone"`
	Spacing  time.Duration `yaml:"spacing"`
}

// VoiceConfig configures speech synthesis for audio replies.
type VoiceConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Voice   string        `yaml:"voice"`
	FFmpeg  string        `yaml:"ffmpeg"`
	Timeout time.Duration `yaml:"timeout"`
}

// MQTTConfig enables publishing operational events to a broker.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	KeepAlive   uint16 `yaml:"keep_alive"`
}

// Configured reports whether a broker address is present.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment, and applies defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the stock Spectra settings.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Identity.LongIDThreshold == 0 {
		c.Identity.LongIDThreshold = 15
	}
	if c.Identity.GroupSuffix == "" {
		c.Identity.GroupSuffix = "@g.us"
	}
	if c.Identity.LongIDSuffix == "" {
		c.Identity.LongIDSuffix = "@lid"
	}
	if c.Identity.StandardSuffix == "" {
		c.Identity.StandardSuffix = "@s.whatsapp.net"
	}
	if c.Identity.StripPrefixes == nil {
		c.Identity.StripPrefixes = []string{"whatsapp:"}
	}

	if c.Bridge.EventBuffer == 0 {
		c.Bridge.EventBuffer = 64
	}
	if c.Bridge.HandleTimeout == 0 {
		c.Bridge.HandleTimeout = 5 * time.Minute
	}
	if c.Bridge.WebhookPath == "" {
		c.Bridge.WebhookPath = "/whatsapp-webhook"
	}

	d := &c.Delivery
	if d.BaseURL == "" {
		d.BaseURL = "http://localhost:8080"
	}
	if len(d.TextEndpoints) == 0 {
		d.TextEndpoints = []string{"/api/send", "/send/text", "/send"}
	}
	if len(d.ImageEndpoints) == 0 {
		d.ImageEndpoints = []string{"/api/send_image", "/send/file"}
	}
	if len(d.AudioEndpoints) == 0 {
		d.AudioEndpoints = []string{"/api/send_audio", "/send/file"}
	}
	if d.TextTimeout == 0 {
		d.TextTimeout = 5 * time.Second
	}
	if d.MediaTimeout == 0 {
		d.MediaTimeout = 60 * time.Second
	}
	if d.QueueSize == 0 {
		d.QueueSize = 32
	}

	for i := range c.ToolServers {
		s := &c.ToolServers[i]
		if s.Transport == "" {
			s.Transport = "stdio"
			if s.Command == "" && s.URL != "" {
				s.Transport = "http"
			}
		}
		if s.InitTimeout == 0 {
			s.InitTimeout = 5 * time.Second
		}
		if s.CallTimeout == 0 {
			s.CallTimeout = 30 * time.Second
		}
	}

	if c.Model.Provider == "" {
		c.Model.Provider = "gemini"
	}
	if c.Model.Name == "" {
		switch c.Model.Provider {
		case "ollama":
			c.Model.Name = "llama3.1"
		case "openai":
			c.Model.Name = "gpt-4o-mini"
		default:
			c.Model.Name = "gemini-2.5-flash"
		}
	}
	if c.Model.APIKey == "" && c.Model.Provider == "gemini" {
		c.Model.APIKey = firstEnv("GOOGLE_API_KEY", "GEMINI_API_KEY")
	}
	if c.Model.Timeout == 0 {
		c.Model.Timeout = 60 * time.Second
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 4
	}
	if c.Agent.Persona == "" {
		c.Agent.Persona = "You are Spectra, an agricultural assistant for Indian farmers.\nKeep answers simple, practical, and safe."
	}

	if c.Advisor.WeatherTool == "" {
		c.Advisor.WeatherTool = "get_nasa_weather"
	}
	if c.Advisor.NDVITool == "" {
		c.Advisor.NDVITool = "calculate_ndvi"
	}
	if len(c.Advisor.HealthKeywords) == 0 {
		c.Advisor.HealthKeywords = []string{"health", "ndvi", "crop health"}
	}

	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://power.larc.nasa.gov/api/temporal/daily/point"
	}
	if c.Weather.Days == 0 {
		c.Weather.Days = 7
	}
	if c.Weather.Timeout == 0 {
		c.Weather.Timeout = 10 * time.Second
	}

	if c.Store.Path == "" {
		c.Store.Path = "spectra.db"
	}

	if c.Brief.Schedule == "" {
		c.Brief.Schedule = "0 6 * * *"
	}
	if c.Brief.Spacing == 0 {
		c.Brief.Spacing = 1200 * time.Millisecond
	}

	if c.Voice.Model == "" {
		c.Voice.Model = "tts-1"
	}
	if c.Voice.Voice == "" {
		c.Voice.Voice = "alloy"
	}
	if c.Voice.Timeout == 0 {
		c.Voice.Timeout = 60 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "spectra"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "spectra"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 30
	}
}

// Validate reports configuration that cannot work at runtime.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Delivery.TextEndpoints) == 0 {
		errs = append(errs, errors.New("delivery.text_endpoints: at least one endpoint required"))
	}
	switch c.Model.Provider {
	case "gemini", "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("model.provider: unknown provider %q", c.Model.Provider))
	}
	if c.Agent.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("agent.max_steps: must be >= 1, got %d", c.Agent.MaxSteps))
	}

	seen := make(map[string]bool)
	for i, s := range c.ToolServers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: name required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("tool_servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("tool_servers.%s: command required for stdio transport", s.Name))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("tool_servers.%s: url required for http transport", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("tool_servers.%s: unknown transport %q", s.Name, s.Transport))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
