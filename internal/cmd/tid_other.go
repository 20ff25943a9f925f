//go:build !linux

package cmd

import "os"

// Without per-thread ids the process id stands in for the worker thread.
func currentTID() int32 {
	return int32(os.Getpid())
}
