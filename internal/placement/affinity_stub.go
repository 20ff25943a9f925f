//go:build !linux

package placement

import "runtime"

func allowedCPUs() []int {
	return firstCPUs(runtime.NumCPU())
}

func getAffinity(int32) ([]int, error) {
	return nil, ErrUnsupported
}

func setAffinity(int32, []int) error {
	return ErrUnsupported
}

// Probe reports whether thread affinity is available.
func Probe() error {
	return ErrUnsupported
}
