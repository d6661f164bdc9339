package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Swastikphadke/Spectra/internal/mcp"
	"github.com/Swastikphadke/Spectra/internal/profile"
)

// Crop-health replies.
const (
	NeedLocationText  = "⚠️ I need your farm location (lat/lon) to check crop health."
	HealthFailureText = "⚠️ Couldn't fetch crop health right now. Please try again."
)

// Health classes.
const (
	StatusHealthy  = "Healthy"
	StatusModerate = "Moderate"
	StatusStressed = "Stressed"
	StatusUnknown  = "Unknown"
)

// ClassifyNDVI maps a vegetation index to a health class.
func ClassifyNDVI(v float64) string {
	switch {
	case v >= 0.6:
		return StatusHealthy
	case v >= 0.4:
		return StatusModerate
	default:
		return StatusStressed
	}
}

// ParseNDVI reads the index out of a tool result. The result is plain
// data: a bare number, or a JSON object with an "ndvi", "value" or
// "result" field. Anything else is not an index.
func ParseNDVI(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	if !strings.HasPrefix(s, "{") {
		return 0, false
	}
	var obj map[string]any
	if json.Unmarshal([]byte(s), &obj) != nil {
		return 0, false
	}
	for _, key := range []string{"ndvi", "value", "result"} {
		switch v := obj[key].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func (a *Advisor) handleHealth(ctx context.Context, log *slog.Logger, p *profile.Profile, recipient string) string {
	if !p.HasLocation() {
		a.sendText(ctx, log, recipient, NeedLocationText)
		return OutcomeHealthDone
	}
	args := map[string]any{"lat": *p.Lat, "lon": *p.Lon}

	// Weather is context only; the summary does not depend on it.
	if _, err := a.cfg.Tools.Execute(ctx, a.cfg.WeatherTool, args); err != nil {
		log.Debug("weather lookup for health check failed", "error", err)
	}

	raw, err := a.cfg.Tools.Execute(ctx, a.cfg.NDVITool, args)
	if err != nil {
		var unavailable *mcp.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			log.Warn("ndvi tool unavailable", "server", unavailable.Server, "error", err)
			a.sendText(ctx, log, recipient, ToolUnavailableText)
			return OutcomeToolUnavailable
		}
		log.Error("ndvi lookup failed", "error", err)
		a.sendText(ctx, log, recipient, HealthFailureText)
		return OutcomeHealthDone
	}

	ndvi, ok := ParseNDVI(raw)
	status := StatusUnknown
	if ok {
		status = ClassifyNDVI(ndvi)
	} else {
		log.Warn("ndvi result is not a number", "raw", raw)
	}
	log.Info("crop health checked", "status", status)

	if !a.sendText(ctx, log, recipient, healthSummary(p, status, ndvi, ok)) {
		return OutcomeFailed
	}
	a.sendVoice(ctx, log, recipient, healthVoiceLine(status), voiceLanguage(p))
	return OutcomeHealthDone
}

func healthSummary(p *profile.Profile, status string, ndvi float64, known bool) string {
	index := "unavailable"
	if known {
		index = strconv.FormatFloat(ndvi, 'f', -1, 64)
	}

	var b strings.Builder
	b.WriteString("🌱 *Crop Health Summary:*\n")
	fmt.Fprintf(&b, "Your crop looks *%s* based on satellite-style NDVI.\n\n", status)
	b.WriteString("🧠 *What This Means:*\n")
	b.WriteString("Healthy = strong growth, Moderate = needs attention, Stressed = urgent care.\n\n")
	b.WriteString("📍 *Field Observation:*\n")
	fmt.Fprintf(&b, "Location used: lat %s, lon %s. Crop: %s.\n\n", coord(p.Lat), coord(p.Lon), cropName(p))
	b.WriteString("✅ *What You Should Do:*\n")
	b.WriteString("1) Check low-growth patches today.\n2) Check soil moisture near roots.\n3) Irrigate only if soil is dry.\n\n")
	fmt.Fprintf(&b, "📡 NDVI: %s\n", index)
	return b.String()
}

func healthVoiceLine(status string) string {
	return fmt.Sprintf("Namaste! Your crop health looks %s. Please check the soil moisture and the weaker patches today.",
		strings.ToLower(status))
}
