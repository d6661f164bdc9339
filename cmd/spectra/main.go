// Spectra is a WhatsApp crop advisor for smallholder farmers.
//
// It reads inbound messages from a WhatsApp bridge subprocess (or a
// webhook or websocket), answers them with a tool-using reasoning loop backed by
// satellite and weather tool servers, and sends a periodic morning brief
// to every registered farmer. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	spectra init [dir]            Write an example config
//	spectra serve                 Run the bridge, router and scheduler
//	spectra ask <phone> <text>    Handle one message, printing the replies
//	spectra brief [phone]         Send the brief now, or print one farmer's
//	spectra version               Print version and build information
//	spectra -o json version       Output version information as JSON
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/Swastikphadke/Spectra/internal/buildinfo"
	"github.com/Swastikphadke/Spectra/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// the command surface can be driven from tests. Arguments are parsed by
// hand to keep flag.CommandLine globals out of the way.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: spectra ask <phone> <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "brief":
		phone := ""
		if len(cmdArgs) > 0 {
			phone = cmdArgs[0]
		}
		return runBrief(ctx, stdout, stderr, configPath, outputFmt, phone)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Spectra - WhatsApp crop advisor")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: spectra [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]            Write an example config (default: .)")
	fmt.Fprintln(w, "  serve                 Run the bridge, router and brief scheduler")
	fmt.Fprintln(w, "  ask <phone> <text>    Handle one message as if the farmer sent it")
	fmt.Fprintln(w, "  brief [phone]         Send the brief to everyone now, or print one farmer's")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger returns a slog logger writing text or json to w.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the configuration, then
// returns a logger at the configured level and format.
func loadConfig(explicit string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Validate has already rejected an unparseable level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}
