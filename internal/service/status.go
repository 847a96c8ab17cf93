package service

// Status of a step.
//
// Lifecycle:
//
//	idle → initiated → running → completed
//	           ↘ pending_accelerator ↗  ↘ failed
//	                                    ↘ canceled
type Status string

const (
	StatusIdle               Status = "idle"
	StatusInitiated          Status = "initiated"
	StatusPendingAccelerator Status = "pending_accelerator"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCanceled           Status = "canceled"
)

// IsTerminal returns true when the launch has finished.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsActive returns true between Launch and the terminal status.
func (s Status) IsActive() bool {
	switch s {
	case StatusInitiated, StatusPendingAccelerator, StatusRunning:
		return true
	default:
		return false
	}
}
