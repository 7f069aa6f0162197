// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// It owns socket lifecycle management and the request/response DTOs. Jobs
// travel as queue.Job values so the CLI renders exactly what the pipeline
// holds. Errors cross the wire as strings; callers match on message text
// only for display.
//
// Reuse these types when adding new RPC endpoints to keep the protocol stable
// and compatible with existing command implementations.
package ipc
