//go:build linux

package affinity

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func pin(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	// pid 0 is the calling thread
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return mapErrno(fmt.Sprintf("pin to core %d", core), err)
	}
	return nil
}

func setRealtime(p Priority) error {
	attr := &unix.SchedAttr{
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(p),
	}
	if err := unix.SchedSetAttr(0, attr, 0); err != nil {
		return mapErrno(fmt.Sprintf("set %s priority", p), err)
	}
	return nil
}

func mapErrno(op string, err error) error {
	switch {
	case errors.Is(err, unix.EPERM):
		return fmt.Errorf("%s: %w", op, ErrPermissionDenied)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%s: %w", op, ErrInvalidPriority)
	}
	return fmt.Errorf("%s: %w", op, err)
}
