package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configHeader = `# Easy Store Configuration File
#
# This file configures an Easy Store packer pod. Every value can be
# overridden with a DES_* environment variable, e.g. DES_LOGGING_LEVEL=DEBUG.
#
# Sections:
#   logging      log level, format and destination
#   metastore    shared bookkeeping database (sqlite or postgres)
#   s3           object store endpoint for archive containers
#   sources      customer databases to drain
#   packer       packing loop tuning (lease TTL, rollover, checkpoints)
#   recovery     crash recovery sweeper
#   ops          metrics and probe HTTP server
#   index_cache  container index cache for readers

`

// InitConfig writes a default configuration file to the default location.
//
// Returns the path of the written file. Refuses to overwrite an existing
// file unless force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return InitConfigAt(path, force)
}

// InitConfigAt writes a default configuration file to the given path.
func InitConfigAt(path string, force bool) (string, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(GetDefaultConfig())
	if err != nil {
		return "", fmt.Errorf("failed to marshal default config: %w", err)
	}

	out := append([]byte(configHeader), data...)
	if err := os.WriteFile(path, out, 0600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return path, nil
}
