/*
Package provider mediates between the worker and its executors.

The provider owns every executor on a worker. Task handlers never build
executors directly; they call Get, run the task, and call Release. A slot
semaphore sized to the worker's concurrency limit bounds simultaneous
executions: Get blocks until a slot frees, so the worker never rejects a
task for capacity, it just queues.

Routing picks the execution mode in a fixed order: the task's own context,
then the submit options, then the worker default. Asking for a mode the
worker was not configured with fails immediately with mode-unsupported.

Process executors are pooled and reused across tasks; the pool grows
lazily up to its limit and evicts executors that report unhealthy.
Container executors are one-shot: built per task or per session, torn down
on release. Cleanup terminates everything and is safe to call twice.
*/
package provider
