package advisor

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/Swastikphadke/Spectra/internal/profile"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Brief replies that need no weather data.
const (
	BriefNoLocationText = "⚠️ Location missing. Please share your farm location in the app."
	BriefNoWeatherText  = "⚠️ Unable to fetch weather right now. Please try later."
)

// Brief advice.
const (
	adviceRain    = "Rain expected. Avoid irrigation today."
	adviceHeat    = "High heat expected. Check soil moisture and irrigate if dry."
	adviceMonitor = "Monitor your field today."
)

// GeneratePeriodicBrief renders the short morning advisory for p from
// the weather tool. It never fails; problems become fixed texts.
func (a *Advisor) GeneratePeriodicBrief(ctx context.Context, p *profile.Profile) string {
	if !p.HasLocation() {
		return BriefNoLocationText
	}

	raw, err := a.cfg.Tools.Execute(ctx, a.cfg.WeatherTool, map[string]any{"lat": *p.Lat, "lon": *p.Lon})
	if err != nil {
		a.logger.Warn("brief weather lookup failed", "phone", p.Phone, "error", err)
		return BriefNoWeatherText
	}
	var w map[string]any
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		a.logger.Warn("brief weather result unreadable", "phone", p.Phone, "error", err)
		return BriefNoWeatherText
	}
	if _, failed := w["error"]; failed {
		return BriefNoWeatherText
	}

	rain := number(w["rainfall_mm"])
	temp := number(w["temperature_c"])

	advice := adviceMonitor
	switch {
	case rain > 10:
		advice = adviceRain
	case temp > 35:
		advice = adviceHeat
	}

	crop := cropName(p)
	if strings.HasPrefix(strings.ToLower(p.Language), "hi") {
		return fmt.Sprintf("🌅 सुप्रभात!\n\n🌱 फसल: %s\n🌧 वर्षा: %.0f मिमी\n🌡 तापमान: %.0f°C\n\n✅ सलाह: %s",
			crop, rain, temp, advice)
	}
	return fmt.Sprintf("🌅 Good Morning!\n\n🌱 Crop: %s\n🌧 Rain: %.0f mm\n🌡 Temp: %.0f °C\n\n✅ Advice: %s",
		crop, rain, temp, advice)
}

// number reads a JSON number, treating anything else as zero.
func number(v any) float64 {
	if f, ok := v.(float64); ok {
		return f
	}
	return 0
}
