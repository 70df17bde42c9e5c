/*
Package worker implements the worker node: task execution state and the
HTTP control plane the driver speaks to.

Tasks are accepted asynchronously (202) and driven to a terminal state in a
background goroutine; the driver polls GET /tasks/{id} for progress and
result. Each task has one state cell guarded by the worker mutex; terminal
transitions are sticky and progress is monotone. Cancellation is
cooperative through the task's context and idempotent at the HTTP surface.

Sessions are long-lived container executors bound to this worker. Executes
within one session are serialized and run synchronously over
POST /sessions/{id}/execute; an expired session answers 410 and is torn
down. Session executes share the worker's concurrency budget with ordinary
tasks.
*/
package worker
