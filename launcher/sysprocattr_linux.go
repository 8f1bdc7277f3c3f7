package launcher

import "syscall"

// detachedSysProcAttr gives a detached child its own session so it survives
// this process exiting, mirroring the Setsid-based detach idiom used for
// the background agent process.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
