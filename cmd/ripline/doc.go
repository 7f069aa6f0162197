// Package main hosts the ripline CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into IPC calls
// against the daemon: starting and stopping it, queueing discs, following job
// progress, tailing logs and managing scratch space. Commands that only read
// a disc (titles) or the config work without a running daemon.
//
// Keep this package lean: add new functionality to the internal packages
// first, then surface it through dedicated commands or flags here.
package main
