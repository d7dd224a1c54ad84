package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GOLEM_"

// Load builds the configuration with the usual precedence: built-in
// defaults, then the optional YAML file, then GOLEM_* environment
// variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	// GOLEM_SERVER_LISTEN_ADDR -> server.listen_addr. Section names have
	// no underscores, so only the first one splits.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.Replace(trimmed, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func defaults() map[string]any {
	return map[string]any{
		"server.listen_addr":           ":9006",
		"server.public_addr":           "127.0.0.1:9006",
		"server.proxy_connect_timeout": "5s",

		"log.level":       "info",
		"log.json_output": false,

		"storage.backend":      "bolt",
		"storage.blob_backend": "",
		"storage.data_dir":     "/var/lib/golem",

		"oplog.max_operations_before_commit": 16,
		"oplog.max_payload_size":             64 * 1024,
		"oplog.archive_layers":               2,
		"oplog.archive_threshold":            4096,
		"oplog.archive_keep":                 1024,
		"oplog.compressed_layer_threshold":   16384,

		"retry.max_attempts": 3,
		"retry.min_delay":    "100ms",
		"retry.max_delay":    "2s",
		"retry.multiplier":   2.0,

		"sharding.standalone":       true,
		"sharding.number_of_shards": 16,

		"scheduler.tick_interval":    "100ms",
		"scheduler.archive_interval": "1m",

		"limits.max_active_workers":  1024,
		"limits.max_invocation_size": 4 * 1024 * 1024,

		"redis.addr":       "",
		"redis.pool_size":  10,
		"redis.key_prefix": "golem:",

		"s3.bucket": "golem-oplog",
		"s3.prefix": "",
	}
}
