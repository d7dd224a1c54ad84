/*
Package api exposes the worker control plane over HTTP/JSON.

Every conceptual operation of the executor is a route under /v1: worker
creation and deletion, invocation (awaited and fire-and-forget),
interrupt/resume, oplog reads and searches with cursor pagination, fork,
revert, updates, promise completion, invocation cancellation, plugin
activation, metadata enumeration and routing-table pushes from the shard
manager. Connect streams worker events as newline-delimited JSON.

Errors carry their apperror code in the body; InvalidShardId maps to
421 so callers know to refresh their routing table and retry against the
owning host. The same wire shapes are consumed by pkg/proxy for
host-to-host forwarding.
*/
package api
