/*
Package events provides the per-worker event bus.

Each live worker owns a Broker; Connect streams subscribe to it and receive
stdout, stderr, guest log lines and invocation lifecycle markers. Delivery
is non-blocking: the worker never waits for a consumer. A subscriber that
cannot keep up receives an EventClientLagged marker in place of the events
it missed — the stream is lossy by contract, the oplog is not.
*/
package events
