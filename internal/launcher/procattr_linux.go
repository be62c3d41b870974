package launcher

import "syscall"

// sysProcAttr puts the child in its own process group. Pdeathsig makes the
// kernel signal the direct child if the daemon dies unexpectedly.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
