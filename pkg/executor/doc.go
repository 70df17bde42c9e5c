/*
Package executor implements Foreman's single-task execution slots.

An Executor runs exactly one task at a time and reports its outcome as a
TaskResult. Execute never fails the call: executor-level errors (spawn
failures, image pulls, stream attach, timeouts) become results with
status=failed and a stable error kind. Two variants exist behind one
interface, and the set is closed:

  - ProcessExecutor: wraps a reusable agent subprocess speaking a
    line-oriented protocol. The task prompt is written to stdin; output is
    read from stdout until the end-of-output sentinel. Each task runs
    against its own workspace subdirectory so the process can be reused.
    On timeout the process gets SIGTERM, then SIGKILL after the grace
    window, and the executor marks itself unhealthy so the pool evicts it.

  - ContainerExecutor: creates one isolated container per task via the
    Docker Engine API with resource caps, dropped capabilities, no host
    mounts, and AutoRemove. Output is captured by attaching to the
    container's multiplexed stdout/stderr stream and demultiplexing it;
    the exit code and a best-effort workspace snapshot become the result.
    Exit code 124 specifically means the agent timed out.

# Output contract

Both variants share the sentinel protocol: the agent emits its result
between "=== OUTPUT START ===" and "=== OUTPUT END ===" markers. Session
containers additionally receive SESSION_ID, TASK, REPO_URL, WORKSPACE_DIR,
and the caller credential through the environment.

# Artifacts

After a successful execution the workspace is scanned: every regular file
becomes an Artifact with relative path, size, SHA-256 content hash, and
MIME type. In container mode the scan reads the engine's tar export of the
workspace directory and tolerates a container that AutoRemove already
reclaimed.

Ownership: the provider package exclusively owns executors; an in-flight
task holds a non-owning lease. Terminate is idempotent, and any Execute
after Terminate fails with the executor-terminated kind.
*/
package executor
