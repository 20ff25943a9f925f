//go:build linux

package placement

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// allowedCPUs lists the CPUs this process may run on. cpusets and taskset
// can leave gaps, so the ids are not always 0..n-1.
func allowedCPUs() []int {
	cpus, err := getAffinity(0)
	if err != nil || len(cpus) == 0 {
		return firstCPUs(runtime.NumCPU())
	}
	return cpus
}

func getAffinity(tid int32) ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(int(tid), &set); err != nil {
		return nil, fmt.Errorf("tid %d: %w", tid, err)
	}
	n := set.Count()
	cpus := make([]int, 0, n)
	for cpu := 0; len(cpus) < n; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

func setAffinity(tid int32, cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	if err := unix.SchedSetaffinity(int(tid), &set); err != nil {
		return fmt.Errorf("tid %d: %w", tid, err)
	}
	return nil
}

// Probe reports whether the calling thread's affinity can be read.
func Probe() error {
	var set unix.CPUSet
	return unix.SchedGetaffinity(0, &set)
}
