/*
Package scheduler fires time-based actions for the executor.

Actions are persisted key-value records primary-keyed by (wake time,
worker id, action kind), so the loop is restart-safe: wake-ups missed
while the host was down fire immediately after it comes back. Cancelled
actions leave a tombstone and never fire; cancelling an unknown id is a
no-op.

Kinds:

  - resume-suspended: wake a sleeping or promise-awaiting worker
  - expire-promise: drop a promise past its deadline
  - fire-invocation: run an invocation scheduled for the future
  - run-archival: migrate a worker's oplog prefix into archive layers

The loop polls storage on a fixed tick rather than arming per-action
timers; with the default 100ms tick the firing error is well under the
granularity any durable workflow cares about.
*/
package scheduler
