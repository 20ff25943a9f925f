// Package placement applies CPU placement for session threads based on boost level.
package placement

import (
	"errors"
	"slices"
	"sync"
)

// ErrUnsupported is returned by Affinity on platforms without thread affinity.
var ErrUnsupported = errors.New("placement: thread affinity not supported on this platform")

// Placer moves session threads according to a boost level.
type Placer interface {
	Place(tids []int32, level, maxLevel int) error
	Reset(tids []int32) error
}

// Noop ignores placement requests.
type Noop struct{}

func (Noop) Place([]int32, int, int) error { return nil }
func (Noop) Reset([]int32) error           { return nil }

// Affinity pins threads to a CPU range that widens as the boost level rises.
// The first Place on a thread remembers its mask so Reset can put it back.
type Affinity struct {
	allowed []int

	mu    sync.Mutex
	saved map[int32][]int
}

// NewAffinity returns an Affinity placer over the CPUs this process may use.
func NewAffinity() *Affinity {
	return &Affinity{
		allowed: allowedCPUs(),
		saved:   make(map[int32][]int),
	}
}

// CPUs returns the prefix of allowed used for level out of maxLevel. Level 0
// gets the lower half; maxLevel gets every allowed CPU.
func CPUs(allowed []int, level, maxLevel int) []int {
	n := len(allowed)
	if n == 0 {
		return nil
	}
	if maxLevel < 1 {
		maxLevel = 1
	}
	level = max(0, min(level, maxLevel))

	base := (n + 1) / 2
	count := base + (n-base)*level/maxLevel
	return slices.Clone(allowed[:count])
}

func firstCPUs(n int) []int {
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// Place implements Placer.
func (a *Affinity) Place(tids []int32, level, maxLevel int) error {
	cpus := CPUs(a.allowed, level, maxLevel)

	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, tid := range tids {
		if _, ok := a.saved[tid]; !ok {
			orig, err := getAffinity(tid)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			a.saved[tid] = orig
		}
		if err := setAffinity(tid, cpus); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset implements Placer. Threads get back the mask they had before their
// first Place, or every allowed CPU if it was never read.
func (a *Affinity) Reset(tids []int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, tid := range tids {
		cpus, ok := a.saved[tid]
		if !ok {
			cpus = a.allowed
		}
		delete(a.saved, tid)
		if err := setAffinity(tid, cpus); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Placer = Noop{}
	_ Placer = (*Affinity)(nil)
)
