package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Swastikphadke/Spectra/examples"
)

// runInit creates a working directory with an example config and the
// data directory the profile store expects.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Spectra workspace in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, examples.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left alone)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your bridge and tool servers.")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
