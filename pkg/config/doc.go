/*
Package config loads the executor configuration.

Sources are layered with koanf: built-in defaults, then an optional YAML
file, then GOLEM_* environment variables (GOLEM_STORAGE_BACKEND overrides
storage.backend, and so on). The resulting Config is validated before use;
selection of storage backends, oplog batching/archival thresholds, the
default retry policy, sharding bootstrap and per-host limits all live
here.
*/
package config
