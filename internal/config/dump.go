package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Dump renders cfg as YAML under the `spooftcp:` root key, in a form Load accepts.
func Dump(cfg *GlobalConfig) ([]byte, error) {
	out, err := yaml.Marshal(map[string]*GlobalConfig{"spooftcp": cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}
