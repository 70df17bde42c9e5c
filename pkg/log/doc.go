/*
Package log provides structured logging for Foreman built on zerolog.

All components log through a single global logger initialized once at process
startup. Child loggers carry stable correlation fields so a task, worker, or
session can be traced across the driver and worker processes.

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Create component loggers at construction time:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", task.ID).Msg("task enqueued")

Correlation helpers:

  - WithComponent: component name (driver, worker, scheduler, provider, ...)
  - WithTaskID: task_id field
  - WithWorkerID: worker_id field
  - WithSessionID: session_id field

Console output (the default) is human-readable with RFC3339 timestamps; JSON
output is intended for production log shipping.
*/
package log
