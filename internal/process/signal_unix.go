//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// terminateTree sends SIGTERM to the process group and to any descendant
// that left it.
func terminateTree(pid int) error {
	kids := descendants(pid)
	err := signalGroup(pid, syscall.SIGTERM)
	for _, k := range kids {
		_ = k.Terminate()
	}
	return ignoreFinished(err)
}

// killTree sends SIGKILL to the process group and to all descendants.
func killTree(pid int) error {
	kids := descendants(pid)
	err := signalGroup(pid, syscall.SIGKILL)
	for _, k := range kids {
		_ = k.Kill()
	}
	return ignoreFinished(err)
}

// signalGroup signals the group led by pid, or pid alone when it does not
// lead a group.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}

func processAlive(pid int) bool {
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func ignoreFinished(err error) error {
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z).
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
