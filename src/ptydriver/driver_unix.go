//go:build !windows

// Platform-specific pieces of the PTY driver. The only unavoidable
// platform asymmetry the fabric has to deal with is how a detached
// console/session reports its teardown (§4.A, §9) — everything else here
// is ordinary POSIX process-group management, normalized so layers above
// ptydriver never see a raw wait status.
package ptydriver

import (
	"os/exec"
	"syscall"
)

func configurePlatform(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	pid := cmd.Process.Pid
	// Negative pid targets the whole process group we set up via Setpgid.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// normalizeExit turns the child's wait status into a single ExitEvent. A
// read error alone (EOF once the child has exited, with no wait status
// collected) is the common, benign case and is reported as Detached rather
// than as an error. The returned err is always nil: every outcome is
// reported through code and detached.
func normalizeExit(cmd *exec.Cmd, readErr error) (code int, detached bool, err error) {
	if cmd == nil || cmd.ProcessState == nil {
		// The process was killed before it had a chance to report a wait
		// status (e.g. Kill() racing the read loop's own EOF path).
		return 0, true, nil
	}

	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		return cmd.ProcessState.ExitCode(), true, nil
	}

	switch {
	case ws.Signaled():
		// Killed by us (or an operator) tearing down the session/mux
		// attach — a normal "detached" outcome, not an error.
		return 128 + int(ws.Signal()), true, nil
	case ws.Exited():
		return ws.ExitStatus(), ws.ExitStatus() != 0, nil
	default:
		return 0, true, nil
	}
}
