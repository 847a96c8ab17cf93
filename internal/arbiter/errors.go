package arbiter

import (
	"errors"
	"fmt"
)

var (
	ErrBusy     = errors.New("accelerator busy")
	ErrTimeout  = errors.New("timed out waiting for accelerator")
	ErrShutdown = errors.New("arbiter shut down")
)

// BusyError is returned by a non-blocking Acquire when another step holds
// or is first in line for the accelerator.
type BusyError struct {
	Holder string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: held by %s", ErrBusy, e.Holder)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}
