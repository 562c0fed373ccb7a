package llmproxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// EnvMasterKey is the environment variable the proxy container reads the
// upstream master key from. Only the proxy container carries it — the
// sandboxed agent container never sees this variable.
const EnvMasterKey = "LITELLM_MASTER_KEY"

// WriteConfigFile serializes cfg (minus the master key) into the per-run
// directory the proxy container mounts.
func WriteConfigFile(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal proxy config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadConfigFile reads the config written by WriteConfigFile and overlays
// the master key from the environment.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode proxy config: %w", err)
	}
	cfg.MasterKey = os.Getenv(EnvMasterKey)
	if cfg.MasterKey == "" {
		return Config{}, fmt.Errorf("%s is not set", EnvMasterKey)
	}
	return cfg, nil
}
