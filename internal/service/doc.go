// Package service implements supervision of step subprocesses.
//
// Overview
// The Supervisor owns a table of step states, one per step of the catalog.
// Launch resets the state of a step and starts a monitor goroutine, which
// acquires the accelerator for accelerator bound steps, runs the process and
// records the terminal status. Only one launch per step may be active.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process with stdout and stderr merged into one pipe
//   - delivers output line by line to a callback
//   - on cancellation sends SIGTERM and kills after the grace period
//   - exposes a Done channel and the last Result
//
// Data flow:
//
//	Supervisor             monitor{step}              Arbiter      Runner{cmd}
//	    |                       |                        |              |
//	Launch -> initiated ------->|                        |              |
//	    |                       | Acquire -------------->|              |
//	    |<- pending_accelerator-| (queued, OnWait)       |              |
//	    |                       |<------- Lease ---------|              |
//	    |                       | Start ------------------------------->| os/exec.Start
//	    |<- running ------------|                        |              | reader + Wait goroutines
//	    |<- log, progress ------|<----------------------------- lines --|
//	    |                       |<------------------------------ Done --|
//	    |                       | Lease.Release -------->| hand-off to queue head
//	    |<- completed/failed/canceled                    |              |
//
// Invariants:
//   - At most one monitor per step at a time, Launch returns ErrStepActive.
//   - The accelerator is released on every exit path of a monitor.
//   - Each launch ends with exactly one terminal status and closes its
//     Done channel once.
//   - The output log keeps the last LogLines lines.
//   - Each step can define its own timeout, after which it is terminated
//     and marked failed.
package service
