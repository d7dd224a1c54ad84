/*
Package runtime implements the durable worker state machine.

A Worker wraps one sandboxed guest instance. Its single execution
goroutine owns the sandbox exclusively (single-threaded cooperative
execution — the invariant that makes replay possible) and serves a FIFO
queue of invocations. Every non-deterministic host operation the guest
performs is journaled through the worker's oplog before its effect becomes
externally observable.

# Lifecycle

	[Empty] ──create──▶ [Idle] ◀──▶ [Running] ──suspend──▶ [Suspended]
	                       ▲             │                       │
	                       │             └──fail──▶ [Retrying] ──┤
	                       │                             │       │
	                       │                             ▼       │
	                       │                         [Failed]    │
	                       └──────────resume────────────────────┘

	[Interrupted] parks until resume; [Exited] is terminal.

# Replay

Activation reads the committed log and re-executes the journaled
invocations against a fresh sandbox. Host calls are served from host-call
entries after validating the function name and request bytes; any
mismatch is a divergence and fails the worker permanently. When the
cursor reaches the tail the worker switches to live mode — possibly in
the middle of an invocation, which is how a crashed invocation continues
where it stopped.

Jump entries invalidate half-open index regions: replay skips them.
Reverts and atomic-region retries are built on jumps.

# Failure handling

Transient host-call failures append an error entry and schedule a retry
per the worker's (journaled) retry policy; the retry tears the sandbox
down and replays. Failures inside an atomic region additionally invalidate
the partial region so it re-executes as a unit. Exhausted retries fail
the worker; a failed worker still serves metadata, oplog reads and
revert.

The sandbox itself is abstract: production embeds a WebAssembly engine
behind SandboxFactory, tests script guests with NewFuncSandbox.
*/
package runtime
