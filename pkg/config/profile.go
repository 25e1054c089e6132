package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// applyProfile merges a YAML profile file over the already-loaded env config.
// Only keys present in the file are overridden.
func (c *Config) applyProfile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("config: read profile %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return nil
}
