// Package control carries coarse scheduler-wide signals (Execute, Paused,
// Shutdown) from any number of senders to a single listener.
//
// It has no knowledge of tasks; applications translate received actions into
// scheduler calls.
package control
