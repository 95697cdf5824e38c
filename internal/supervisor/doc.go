// Package supervisor owns the single long-running server process.
//
// The handle slot is guarded by one mutex. Spawn writes it once per cycle,
// Terminate and Close take it destructively. A handle taken for termination
// is never reused, so a process is killed at most once.
//
// Terminate alone does not stop a Spawn that is still in flight: the process
// it is about to store survives. Close marks the supervisor finished so that
// a Spawn completing afterwards kills its own process instead of storing it.
package supervisor
