// Package daemon coordinates the long-running gantry process.
//
// It wires configuration, the queue store, the pipeline scheduler, and the
// notification layer into a single lifecycle with flock-based locking to
// prevent multiple instances. The daemon polls the queue file for entries
// appended by the CLI and wakes the scheduler to drain them.
//
// Keep orchestration logic here: stage behaviour lives in the processor
// packages while the daemon focuses on startup, shutdown, and wiring.
package daemon
