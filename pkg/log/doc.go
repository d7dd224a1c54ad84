/*
Package log provides structured logging for the executor using zerolog.

The package wraps zerolog with a global logger initialized once via
log.Init, plus helpers creating child loggers tagged with the executor's
common fields:

	logger := log.WithComponent("oplog")
	logger.Info().Str("worker_id", id.String()).Msg("Archived prefix")

	workerLogger := log.WithWorkerID(id.String())
	shardLogger := log.WithShardID(int64(shard))

Output is console-formatted for interactive use or JSON for production,
selected via Config. Levels: debug, info, warn, error.

Guest log emissions are not routed through this package: they are oplog
entries (see pkg/oplog) and worker events (see pkg/events), because they
must replay deterministically.
*/
package log
