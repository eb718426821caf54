//go:build unix

package agent

import "syscall"

// treeSignal abstracts the signals used for process-group control.
type treeSignal = syscall.Signal

const (
	sigStop     treeSignal = syscall.SIGSTOP
	sigContinue treeSignal = syscall.SIGCONT
	sigKill     treeSignal = syscall.SIGKILL
)

// procAttr places the child in its own process group so signals can be
// delivered to the whole tree.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalTree delivers sig to the process group rooted at pid.
func signalTree(pid int, sig treeSignal) error {
	return syscall.Kill(-pid, sig)
}
