/*
Package types defines the core data structures used throughout Foreman.

This package contains all fundamental types that represent Foreman's domain
model: tasks, task results and artifacts, workers, sessions, execution plans,
and the stable error kinds shared by every interface. These types are used by
all other packages for state management, API communication, and orchestration
logic.

# Core Types

Task lifecycle:
  - Task: a unit of work with category, priority, dependencies, and context
  - TaskStatus: pending, running, completed, failed, cancelled, unknown
  - TaskResult: immutable outcome of a terminal task (output, artifacts, metrics)
  - TaskProgress: worker-reported view of an in-flight task
  - Artifact: one workspace file captured at completion (path, size, hash, MIME)

Execution:
  - ExecutionMode: process_pool (reusable subprocess) or container_agentic
    (one-shot isolated container)
  - ExecutionPlan: immutable record of one scheduling decision
  - ResourceLimits / ResourceUsage: caps and samples for executor resources

Fleet:
  - WorkerInfo: the driver's registry record for one worker
  - WorkerCapabilities: categories, concurrency cap, container support, modes
  - WorkerHealth: last-seen and response-time as observed by the driver
  - Session: long-lived container execution context bound to one worker

Errors:
  - ErrorKind: stable classification (validation, duplicate-task, not-found,
    session-expired, mode-unsupported, no-workers-available, timed-out,
    worker-lost, dependency-failed, executor-terminated, internal)
  - Error: an error value carrying a kind, mapped to HTTP status codes

# Design Principles

All types are designed to be:
  - Serializable (JSON on both HTTP surfaces)
  - Validated (constants for enums, Validate helpers)
  - Free of behavior beyond small predicates; orchestration logic lives in
    the scheduler, driver, and worker packages

Timeouts are expressed in seconds in user-facing configuration and as
time.Duration internally; the config package performs the conversion.
*/
package types
