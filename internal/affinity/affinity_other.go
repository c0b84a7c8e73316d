//go:build !linux

package affinity

func pin(int) error { return ErrNotSupported }

func setRealtime(Priority) error { return ErrNotSupported }
