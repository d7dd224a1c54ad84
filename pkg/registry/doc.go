/*
Package registry caches live worker instances.

Activating a worker means replaying its whole oplog, so instances are kept
in memory and reused across invocations. The registry bounds how many:
past the configured capacity, passive workers (idle, suspended, failed)
are evicted least-recently-used and flushed via Passivate. Running workers
are never evicted — the registry would rather exceed its budget than kill
work in flight.

Concurrent activation of the same worker is collapsed into a single
in-flight create; losers wait for the winner's instance.
*/
package registry
