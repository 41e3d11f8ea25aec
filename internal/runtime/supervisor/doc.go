// Package supervisor runs the long-lived goroutines of one component
// under a shared context.
//
// Every goroutine gets a name. Go runs a function once and treats a
// returned error (other than context.Canceled) or a panic as fatal to
// the component: the error is kept as Err and, with WithCancelOnError,
// the context is cancelled so siblings stop too. GoRestart keeps a
// function alive instead, restarting it with jittered exponential
// backoff until the context ends or it returns nil.
//
// Snapshot reports per-name counters (starts, restarts, panics and the
// last error) for health endpoints. Wait and Stop never outlive the
// context they are given; a goroutine that ignores cancellation shows up
// as Active in the next snapshot.
package supervisor
