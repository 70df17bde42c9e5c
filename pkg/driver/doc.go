/*
Package driver implements the orchestrator: the task table, worker
registry, session registry, and stats, plus the loops that move work
through the system.

All shared state is serialized under one mutex. Four kinds of background
work run against it: the schedule tick (every second, and on every
submission) asks the scheduler for execution plans and dispatches them; a
per-task poll loop follows each dispatched task on the worker until it
turns terminal; the health loop probes workers and sweeps expired
sessions; the stats loop publishes aggregates.

Failure handling is centralized in the result path. A task gets exactly
one immutable result; recording it clears the execution context, settles
merge bookkeeping for decomposed parents, auto-cancels dependents of
non-completed tasks, and wakes the scheduler. Worker failures (missed
polls, dispatch errors, unregistration) requeue the task until the retry
budget runs out, then record a terminal worker-lost failure.

The Server type is the client-facing HTTP API, including the websocket
event stream and the Prometheus endpoint. The worker-facing protocol lives
in workerClient.
*/
package driver
