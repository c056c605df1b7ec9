// Package core wires configuration and logging for the vesper service.
package core

import (
	"fmt"
	"os"
	"path/filepath"

	uberconfig "go.uber.org/config"
	"go.uber.org/fx"
)

const (
	_configDirEnv     = "VESPER_CONFIG_DIR"
	_defaultConfigDir = "src/vesper/config"
	_metaFile         = "meta.yaml"
)

// ConfigModule provides the YAML config provider.
var ConfigModule = fx.Options(
	fx.Provide(NewConfig),
)

// NewConfig loads meta.yaml from the config directory, then merges every
// listed file that exists into a single provider with env-var expansion.
func NewConfig() (uberconfig.Provider, error) {
	configDir := configDir()

	metaProvider, err := uberconfig.NewYAML(
		uberconfig.File(filepath.Join(configDir, _metaFile)),
		uberconfig.Expand(os.LookupEnv),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load meta configuration: %w", err)
	}

	var configFiles []string
	if err := metaProvider.Get("files").Populate(&configFiles); err != nil {
		return nil, fmt.Errorf("failed to read files list from meta.yaml: %w", err)
	}

	var options []uberconfig.YAMLOption
	for _, file := range configFiles {
		fullPath := filepath.Join(configDir, file)
		if _, err := os.Stat(fullPath); err == nil {
			options = append(options, uberconfig.File(fullPath))
		}
	}
	if len(options) == 0 {
		return nil, fmt.Errorf("no configuration files found in %s", configDir)
	}
	options = append(options, uberconfig.Expand(os.LookupEnv))

	provider, err := uberconfig.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return provider, nil
}

func configDir() string {
	if dir := os.Getenv(_configDirEnv); dir != "" {
		return dir
	}
	// Assumes the binary runs from the workspace root.
	return _defaultConfigDir
}
