/*
Package scheduler decides which queued task runs on which worker.

The scheduler is a passive component owned by the driver: it holds the
queue, assignment records, and pending merges, and makes all of its
decisions inside Schedule against the worker snapshot it is handed. It
never dials a worker and never calls back into the driver.

A task is ready once it is unassigned, every dependency has completed, and
its retry cooldown has elapsed. Ready tasks are served in priority-weight
order (critical 100 down to background 10), ties broken by arrival. Four
placement strategies are available: round-robin over total assignments,
least-loaded, capability-based (the default: category filter then least
loaded), and affinity-based scoring.

Tasks whose titles match the decomposition heuristic are split into a
plan/execute chain (refactors get a leading analyze step); the parent never
dispatches and its result is synthesized from the children once all of
them complete.
*/
package scheduler
