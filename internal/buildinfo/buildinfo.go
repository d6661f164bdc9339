// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags "-X github.com/Swastikphadke/Spectra/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details keyed for structured logging.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// LogAttrs flattens Info into slog key/value pairs.
func LogAttrs() []any {
	return []any{
		"version", Version,
		"commit", GitCommit,
		"built", BuildTime,
		"go", runtime.Version(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header value for outbound HTTP requests.
func UserAgent() string {
	return "Spectra/" + Version
}

// String returns a one-line summary for the version command.
func String() string {
	return fmt.Sprintf("Spectra %s (%s) built %s", Version, GitCommit, BuildTime)
}
