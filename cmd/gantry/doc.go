// Package main hosts the gantry CLI entrypoint and command graph.
//
// The Cobra-based command tree covers queue inspection and maintenance, log
// tailing, on-demand device installs, and configuration scaffolding. The CLI
// shares the queue file with a running daemon instead of holding an IPC
// channel: appends and retries land in the file and the daemon folds them in
// on its next poll.
package main
