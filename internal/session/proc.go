package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ThreadInGroup checks that tid is a thread of process pid via /proc/<pid>/task.
// Without procfs the check passes.
func ThreadInGroup(pid int, tid int32) error {
	procDir := filepath.Join("/proc", strconv.Itoa(pid))
	if _, err := os.Stat(procDir); err != nil {
		return nil
	}
	if _, err := os.Stat(filepath.Join(procDir, "task", strconv.Itoa(int(tid)))); err != nil {
		return fmt.Errorf("thread %d is not in thread group of pid %d", tid, pid)
	}
	return nil
}
