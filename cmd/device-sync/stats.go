package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/device-sync/internal/syncsvc"
	"gopkg.in/yaml.v3"
)

type snapshot struct {
	Stats       syncsvc.Stats `yaml:"stats"`
	GeneratedAt time.Time     `yaml:"generated_at"`
}

// writeStats replaces the file at path atomically.
func writeStats(path string, s snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling stats: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".stats-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("writing stats: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing stats: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming stats: %w", err)
	}

	return nil
}
