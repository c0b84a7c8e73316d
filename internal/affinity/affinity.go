// Package affinity pins the calling OS thread to a core and raises its
// scheduling priority. Callers must runtime.LockOSThread first.
package affinity

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
)

var (
	ErrNotSupported     = errors.New("affinity: not supported on this platform")
	ErrPermissionDenied = errors.New("affinity: permission denied")
	ErrInvalidPriority  = errors.New("affinity: invalid priority")
	ErrInvalidCore      = errors.New("affinity: invalid core")
)

// Priority is a real-time (SCHED_FIFO) priority, 1..99.
type Priority int

const (
	Low      Priority = 10
	Medium   Priority = 35
	High     Priority = 65
	Critical Priority = 99
)

func (p Priority) Valid() bool { return p >= 1 && p <= 99 }

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts a level name or a number.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "none":
		return 0, nil
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "critical":
		return Critical, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return Priority(n), nil
}

// Spec is what one worker asks for. Core < 0 skips pinning and a zero
// Priority skips the scheduler change.
type Spec struct {
	Core     int
	Priority Priority
}

// Apply pins and prioritizes the calling thread. Both steps are attempted
// and their errors joined.
func Apply(s Spec) error {
	var errs []error
	if s.Core >= 0 {
		if err := Pin(s.Core); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Priority != 0 {
		if err := SetRealtime(s.Priority); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pin binds the calling thread to core.
func Pin(core int) error {
	if core < 0 || core >= runtime.NumCPU() {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidCore, core, runtime.NumCPU())
	}
	return pin(core)
}

// SetRealtime switches the calling thread to SCHED_FIFO at p.
func SetRealtime(p Priority) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return setRealtime(p)
}
