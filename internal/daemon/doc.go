// Package daemon coordinates the long-running ripline process and its system
// integration points.
//
// It wires configuration, the job store and the pipeline manager into a
// single lifecycle with flock-based locking to prevent multiple instances.
// When drive.auto_enqueue is set a udev netlink monitor enqueues discs as
// they are inserted. An optional chi HTTP API (paths.api_bind) exposes status,
// jobs, pipeline events and the in-memory log stream behind a bearer token.
//
// Keep orchestration logic here: scheduling lives in the pipeline package
// while the daemon focuses on startup, shutdown and high level coordination.
package daemon
