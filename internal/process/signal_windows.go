//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

// terminateTree force-kills the tree rooted at pid; Windows has no SIGTERM
// for console-less children.
func terminateTree(pid int) error {
	// #nosec G204
	cmd := exec.Command("taskkill", "/pid", strconv.Itoa(pid), "/T", "/F")
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	out, err := cmd.CombinedOutput()
	if err == nil || !processAlive(pid) {
		return nil
	}
	if terminateProcess(pid) == nil {
		return nil
	}
	return fmt.Errorf("taskkill %d: %w: %s", pid, err, strings.TrimSpace(string(out)))
}

func killTree(pid int) error { return terminateTree(pid) }

func processAlive(pid int) bool {
	h, err := openProcess(processQueryInformation, uint32(pid))
	if err != nil {
		return false
	}
	_ = closeHandle(h)
	return true
}

// terminateProcess ends a single process. A process that cannot be opened
// has already exited.
func terminateProcess(pid int) error {
	h, err := openProcess(processTerminate, uint32(pid))
	if err != nil {
		return nil
	}
	defer func() { _ = closeHandle(h) }()
	if ret, _, err := procTerminateProcess.Call(uintptr(h), uintptr(1)); ret == 0 {
		return err
	}
	return nil
}

func openProcess(access uint32, pid uint32) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(pid))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) error {
	if ret, _, err := procCloseHandle.Call(uintptr(h)); ret == 0 {
		return err
	}
	return nil
}
