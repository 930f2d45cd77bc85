//go:build !windows

package executor

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the helper in its own process group so kill reaches
// every child it spawns.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// procTree is the helper's process group; its id is the helper's pid.
type procTree struct{}

func newProcTree(*os.Process) (*procTree, error) {
	return &procTree{}, nil
}

func (t *procTree) kill(proc *os.Process) error {
	err := unix.Kill(-proc.Pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	// 群組不存在時退回只結束 helper 本身
	if killErr := proc.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return killErr
	}
	return nil
}

func (t *procTree) close() {}
