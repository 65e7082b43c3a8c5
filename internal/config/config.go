package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DataDir is the storage directory. Empty means DefaultDataDir().
	DataDir string `json:"dataDir"`
	// HTTPAddr is the HTTP (unary/streaming) listen address.
	HTTPAddr string `json:"httpAddr"`
	// WSAddr is the WebSocket listen address.
	WSAddr string `json:"wsAddr"`
	// AdminSecret gates admin operations. Empty disables admin entirely.
	AdminSecret string `json:"adminSecret"`
	// Wire ceilings enforced on every outbound batch/page.
	MaxBatchEvents  int `json:"maxBatchEvents"`
	MaxMessageBytes int `json:"maxMessageBytes"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:        ":8787",
		WSAddr:          ":8788",
		MaxBatchEvents:  100,
		MaxMessageBytes: 900 << 10,
	}
}

// Load reads configuration from a JSON file layered over defaults, then
// applies environment overrides. An empty path uses defaults + env only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = Default().MaxBatchEvents
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = Default().MaxMessageBytes
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SYNCD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("SYNCD_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("SYNCD_WS_ADDR"); v != "" {
		cfg.WSAddr = v
	}
	if v := os.Getenv("SYNCD_ADMIN_SECRET"); v != "" {
		cfg.AdminSecret = v
	}
	if v := os.Getenv("SYNCD_MAX_BATCH_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxBatchEvents = n
		}
	}
	if v := os.Getenv("SYNCD_MAX_MESSAGE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxMessageBytes = n
		}
	}
}
