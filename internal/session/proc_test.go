package session

import (
	"os"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
)

func TestThreadInGroup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs procfs")
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pid := os.Getpid()
	if err := ThreadInGroup(pid, int32(unix.Gettid())); err != nil {
		t.Errorf("ThreadInGroup(own thread) = %v", err)
	}
	if err := ThreadInGroup(pid, 1<<30); err == nil {
		t.Error("ThreadInGroup(bogus tid) should fail")
	}
}
