// Package voice turns short reply scripts into audio for voice notes.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/Swastikphadke/Spectra/internal/config"
	"github.com/Swastikphadke/Spectra/internal/httpkit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrDisabled is returned by the disabled synthesizer. Callers drop the
// voice part of a reply when they see it.
var ErrDisabled = errors.New("voice synthesis disabled")

// maxAudioBytes bounds a synthesized clip.
const maxAudioBytes = 16 << 20

// Audio is one synthesized clip ready for upload.
type Audio struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, language string) (Audio, error)
}

// New returns the synthesizer selected by cfg.
func New(cfg config.VoiceConfig, logger *slog.Logger) Synthesizer {
	if !cfg.Enabled {
		return Disabled{}
	}
	return NewHTTP(cfg, logger)
}

// Disabled never produces audio.
type Disabled struct{}

// Synthesize always returns ErrDisabled.
func (Disabled) Synthesize(context.Context, string, string) (Audio, error) {
	return Audio{}, ErrDisabled
}

// HTTP posts to an OpenAI-compatible /audio/speech endpoint and, when
// an ffmpeg binary is configured, transcodes the mp3 to OGG/Opus so the
// bridge can deliver it as a voice note.
type HTTP struct {
	cfg    config.VoiceConfig
	http   *http.Client
	logger *slog.Logger

	// transcode is swapped in tests.
	transcode func(ctx context.Context, mp3 []byte) ([]byte, error)
}

// NewHTTP returns an HTTP synthesizer for cfg.
func NewHTTP(cfg config.VoiceConfig, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	h := &HTTP{
		cfg:    cfg,
		http:   httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
		logger: logger,
	}
	h.transcode = h.ffmpeg
	return h
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
	Language       string `json:"language,omitempty"`
}

// Synthesize renders text in the given language code ("en", "hi").
func (h *HTTP) Synthesize(ctx context.Context, text, language string) (Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Audio{}, errors.New("nothing to synthesize")
	}

	body, err := json.Marshal(speechRequest{
		Model:          h.cfg.Model,
		Input:          text,
		Voice:          h.cfg.Voice,
		ResponseFormat: "mp3",
		Language:       language,
	})
	if err != nil {
		return Audio{}, fmt.Errorf("encode speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(h.cfg.BaseURL, "/")+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("speech request: %w", err)
	}
	if !httpkit.IsSuccess(resp.StatusCode) {
		msg := httpkit.ReadErrorBody(resp.Body, 512)
		return Audio{}, fmt.Errorf("speech request: status %d: %s", resp.StatusCode, msg)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	mp3, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return Audio{}, fmt.Errorf("read speech audio: %w", err)
	}
	if len(mp3) == 0 {
		return Audio{}, errors.New("speech request: empty audio")
	}

	name := "voice_" + uuid.NewString()[:8]
	if h.cfg.FFmpeg == "" {
		return Audio{Data: mp3, Filename: name + ".mp3", ContentType: "audio/mpeg"}, nil
	}

	ogg, err := h.transcode(ctx, mp3)
	if err != nil {
		h.logger.Warn("voice transcode failed, sending mp3", "error", err)
		return Audio{Data: mp3, Filename: name + ".mp3", ContentType: "audio/mpeg"}, nil
	}
	h.logger.Debug("voice synthesized", "language", language, "bytes", len(ogg))
	return Audio{Data: ogg, Filename: name + ".ogg", ContentType: "audio/ogg"}, nil
}

func (h *HTTP) ffmpeg(ctx context.Context, mp3 []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "spectra-voice-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.mp3")
	out := filepath.Join(dir, "out.ogg")
	if err := os.WriteFile(in, mp3, 0o600); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, h.cfg.FFmpeg,
		"-y", "-i", in,
		"-c:a", "libopus", "-b:a", "16k", "-application", "voip",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(lastLine(stderr.String())))
	}
	return os.ReadFile(out)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
