package config

import (
	"fmt"
	"time"
)

// Config is the executor's full configuration tree.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Oplog     OplogConfig     `koanf:"oplog"`
	Retry     RetryConfig     `koanf:"retry"`
	Sharding  ShardingConfig  `koanf:"sharding"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Limits    LimitsConfig    `koanf:"limits"`
	Redis     RedisConfig     `koanf:"redis"`
	S3        S3Config        `koanf:"s3"`
}

// ServerConfig configures the control plane listener.
type ServerConfig struct {
	ListenAddr string `koanf:"listen_addr"`
	// PublicAddr is how other hosts reach this executor; it must match
	// the address the shard manager publishes for it.
	PublicAddr          string        `koanf:"public_addr"`
	ProxyConnectTimeout time.Duration `koanf:"proxy_connect_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `koanf:"level"`
	JSONOutput bool   `koanf:"json_output"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	// Backend: "memory", "bolt" or "redis".
	Backend string `koanf:"backend"`
	// BlobBackend: "" (same as Backend), "filesystem" or "s3".
	BlobBackend string `koanf:"blob_backend"`
	DataDir     string `koanf:"data_dir"`
}

// OplogConfig tunes batching, payload offloading and archival.
type OplogConfig struct {
	MaxOperationsBeforeCommit int    `koanf:"max_operations_before_commit"`
	MaxPayloadSize            int    `koanf:"max_payload_size"`
	ArchiveLayers             int    `koanf:"archive_layers"`
	ArchiveThreshold          uint64 `koanf:"archive_threshold"`
	ArchiveKeep               uint64 `koanf:"archive_keep"`
	CompressedLayerThreshold  uint64 `koanf:"compressed_layer_threshold"`
}

// RetryConfig is the default worker retry policy.
type RetryConfig struct {
	MaxAttempts uint32        `koanf:"max_attempts"`
	MinDelay    time.Duration `koanf:"min_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
}

// ShardingConfig bootstraps the routing table before the shard manager
// pushes one.
type ShardingConfig struct {
	// Standalone runs without an external shard manager: all shards of a
	// single-host table are owned locally.
	Standalone     bool `koanf:"standalone"`
	NumberOfShards int  `koanf:"number_of_shards"`
}

// SchedulerConfig tunes the timed-action loop.
type SchedulerConfig struct {
	TickInterval    time.Duration `koanf:"tick_interval"`
	ArchiveInterval time.Duration `koanf:"archive_interval"`
}

// LimitsConfig bounds per-host resource usage.
type LimitsConfig struct {
	MaxActiveWorkers  int `koanf:"max_active_workers"`
	MaxInvocationSize int `koanf:"max_invocation_size"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	PoolSize  int    `koanf:"pool_size"`
	KeyPrefix string `koanf:"key_prefix"`
}

// S3Config configures the s3 blob backend.
type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "bolt", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Storage.BlobBackend {
	case "", "filesystem", "s3":
	default:
		return fmt.Errorf("unknown blob backend %q", c.Storage.BlobBackend)
	}
	if c.Storage.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis backend selected but redis.addr is empty")
	}
	if c.Storage.BlobBackend == "s3" && (c.S3.Endpoint == "" || c.S3.Bucket == "") {
		return fmt.Errorf("s3 blob backend selected but s3.endpoint or s3.bucket is empty")
	}
	if c.Oplog.MaxOperationsBeforeCommit <= 0 {
		return fmt.Errorf("oplog.max_operations_before_commit must be positive")
	}
	if c.Oplog.MaxPayloadSize <= 0 {
		return fmt.Errorf("oplog.max_payload_size must be positive")
	}
	if c.Oplog.ArchiveLayers < 0 || c.Oplog.ArchiveLayers > 2 {
		return fmt.Errorf("oplog.archive_layers must be 0, 1 or 2")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Sharding.Standalone && c.Sharding.NumberOfShards <= 0 {
		return fmt.Errorf("sharding.number_of_shards must be positive in standalone mode")
	}
	if c.Limits.MaxActiveWorkers <= 0 {
		return fmt.Errorf("limits.max_active_workers must be positive")
	}
	return nil
}
