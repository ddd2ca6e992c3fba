package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/lancom-ble/internal/defaults"
)

// runInit handles the "lancomble init" subcommand. It prepares a
// working directory with a commented example configuration and a data
// directory, without overwriting anything that already exists.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	cfgPath := filepath.Join(dir, "lancom-ble.yaml")
	wrote, err := writeIfMissing(cfgPath, defaults.ConfigYAML)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "✓ wrote %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "✓ %s already exists, left unchanged\n", cfgPath)
	}
	fmt.Fprintf(w, "✓ data directory ready at %s\n", filepath.Join(dir, "data"))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Edit %s, then run: lancomble serve\n", cfgPath)
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
// Reports whether the file was written.
func writeIfMissing(path string, content []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
