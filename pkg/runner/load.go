// pkg/runner/load.go
package runner

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/joeydtaylor/steeze-tunnel/pkg/manifest"
)

func LoadConfig(path string) (manifest.Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return manifest.Config{}, err
	}
	var cfg manifest.Config
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return manifest.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return manifest.Config{}, err
	}
	return cfg, nil
}
