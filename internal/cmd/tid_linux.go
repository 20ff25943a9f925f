//go:build linux

package cmd

import "golang.org/x/sys/unix"

func currentTID() int32 {
	return int32(unix.Gettid())
}
