package sample

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PinConfig is the physical GPIO wiring for a sample accessory's profile,
// loaded directly from accessory.yaml with gopkg.in/yaml.v3 -- independent
// of the viper-backed runtime config.yaml (internal/config): one is "how
// the process should run", the other is "what the process exposes and how
// it is physically wired".
type PinConfig struct {
	Pins map[string]int `yaml:"pins"`
}

// LoadPinConfig reads path and parses it as YAML. An empty path or a
// missing file yields a zero-value PinConfig, so every profile falls back
// to its built-in pin defaults; any other read or parse error is returned.
func LoadPinConfig(path string) (PinConfig, error) {
	if path == "" {
		return PinConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return PinConfig{}, nil
		}
		return PinConfig{}, fmt.Errorf("sample: read accessory pin config %s: %w", path, err)
	}
	var cfg PinConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PinConfig{}, fmt.Errorf("sample: parse accessory pin config %s: %w", path, err)
	}
	return cfg, nil
}

// Pin returns the configured pin number for key, or def when key is unset.
func (c PinConfig) Pin(key string, def int) int {
	if v, ok := c.Pins[key]; ok {
		return v
	}
	return def
}
