// Package scheduler is an in-memory task registry with a dispatcher.
//
// Tasks are registered with a name, an initial delay and a Recurrence. Execute
// hands every pending callback to its own goroutine ("unit"):
//   - one-shot tasks leave the registry the moment they are dispatched
//   - recurring tasks stay listed and keep a cancel handle until Stop, Cleanup,
//     removal or teardown
//
// A callback is dispatched at most once per task id. Nothing is persisted.
package scheduler
