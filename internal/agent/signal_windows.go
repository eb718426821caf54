//go:build windows

package agent

import (
	"errors"
	"os"
	"syscall"
)

type treeSignal = syscall.Signal

const (
	sigStop     treeSignal = 0
	sigContinue treeSignal = 0
	sigKill     treeSignal = syscall.SIGKILL
)

func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// signalTree on Windows supports kill only; suspend and resume are not
// available without job objects.
func signalTree(pid int, sig treeSignal) error {
	if sig != sigKill {
		return errors.New("process tree suspend is not supported on windows")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
