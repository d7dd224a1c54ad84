/*
Package promise implements externally completable awaitable handles.

A promise is identified by (worker id, oplog index of its creation entry),
which makes re-creation during replay naturally idempotent. Completion is
first-wins: the first payload is stored durably and every later completion
reports false. In-process waiters are woken through channels; suspended
workers are woken through the executor's completion handler.
*/
package promise
